package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PositionStore persists positions. Ladder progress lives in two JSONB
// columns so a restart restores the exact levels and fills.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// positionRow mirrors the positions table for pgx.RowToStructByName.
type positionRow struct {
	ID               string               `db:"id"`
	Symbol           string               `db:"symbol"`
	Side             string               `db:"side"`
	EntryPrice       float64              `db:"entry_price"`
	Quantity         float64              `db:"quantity"`
	OriginalQuantity float64              `db:"original_quantity"`
	Leverage         int                  `db:"leverage"`
	StopLoss         float64              `db:"stop_loss"`
	TrailingStop     float64              `db:"trailing_stop"`
	EntryTime        time.Time            `db:"entry_time"`
	LevelsHit        []int                `db:"levels_hit"`
	PartialExits     []domain.PartialExit `db:"partial_exits"`
	Status           string               `db:"status"`
	RealizedPnL      float64              `db:"realized_pnl"`
	ExitPrice        *float64             `db:"exit_price"`
	ExitReason       string               `db:"exit_reason"`
	ClosedAt         *time.Time           `db:"closed_at"`
	UpdatedAt        time.Time            `db:"updated_at"`
}

const positionColumns = `id, symbol, side, entry_price, quantity, original_quantity,
	leverage, stop_loss, trailing_stop, entry_time, levels_hit, partial_exits,
	status, realized_pnl, exit_price, exit_reason, closed_at, updated_at`

func (r positionRow) position() domain.Position {
	p := domain.Position{
		ID:               r.ID,
		Symbol:           r.Symbol,
		Side:             domain.Side(r.Side),
		EntryPrice:       r.EntryPrice,
		Quantity:         r.Quantity,
		OriginalQuantity: r.OriginalQuantity,
		Leverage:         r.Leverage,
		StopLoss:         r.StopLoss,
		TrailingStop:     r.TrailingStop,
		EntryTime:        r.EntryTime,
		LevelsHit:        r.LevelsHit,
		PartialExits:     r.PartialExits,
		Status:           domain.PositionStatus(r.Status),
		RealizedPnL:      r.RealizedPnL,
		ExitPrice:        r.ExitPrice,
		ExitReason:       r.ExitReason,
		ClosedAt:         r.ClosedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if p.LevelsHit == nil {
		p.LevelsHit = []int{}
	}
	if p.PartialExits == nil {
		p.PartialExits = []domain.PartialExit{}
	}
	return p
}

// progress returns the JSONB values, with nil slices stored as [].
func progress(p domain.Position) ([]int, []domain.PartialExit) {
	levels, exits := p.LevelsHit, p.PartialExits
	if levels == nil {
		levels = []int{}
	}
	if exits == nil {
		exits = []domain.PartialExit{}
	}
	return levels, exits
}

func (s *PositionStore) queryPositions(ctx context.Context, sql string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[positionRow])
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, len(recs))
	for i, r := range recs {
		out[i] = r.position()
	}
	return out, nil
}

func (s *PositionStore) queryPosition(ctx context.Context, sql string, args ...any) (domain.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return domain.Position{}, err
	}
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[positionRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, err
	}
	return r.position(), nil
}

// Create inserts a new position. Both the primary key and the one open
// position per symbol index are enforced through ON CONFLICT, so a clash
// inserts nothing and yields domain.ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if p.Status == "" {
		p.Status = domain.PositionStatusOpen
	}
	levels, exits := progress(p)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT DO NOTHING`,
		p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity, p.OriginalQuantity,
		p.Leverage, p.StopLoss, p.TrailingStop, p.EntryTime.UTC(), levels, exits,
		string(p.Status), p.RealizedPnL, p.ExitPrice, p.ExitReason, utcPtr(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert position %s (%s): %w", p.ID, p.Symbol, domain.ErrAlreadyExists)
	}
	return nil
}

// Update writes the fields that change over a position's life. Entry
// fields and the original quantity are immutable.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	levels, exits := progress(p)
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions
		   SET quantity = $2, stop_loss = $3, trailing_stop = $4,
		       levels_hit = $5, partial_exits = $6, status = $7,
		       realized_pnl = $8, exit_price = $9, exit_reason = $10,
		       closed_at = $11, updated_at = NOW()
		 WHERE id = $1`,
		p.ID, p.Quantity, p.StopLoss, p.TrailingStop, levels, exits,
		string(p.Status), p.RealizedPnL, p.ExitPrice, p.ExitReason, utcPtr(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// Close marks an open position closed. Closing a row that is missing or
// already closed returns domain.ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice float64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions
		   SET status = 'closed', exit_price = $2, exit_reason = $3,
		       closed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`,
		id, exitPrice, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := s.queryPosition(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if err != nil {
		return p, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenBySymbol returns the open position for symbol.
func (s *PositionStore) GetOpenBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	p, err := s.queryPosition(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = $1 AND status = 'open'`, symbol)
	if err != nil {
		return p, fmt.Errorf("postgres: get open position %s: %w", symbol, err)
	}
	return p, nil
}

// ListOpen returns every open position, oldest entry first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY entry_time`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return out, nil
}

// ListClosed returns closed positions, most recently closed first.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	q := selectQuery{
		base:  `SELECT ` + positionColumns + ` FROM positions`,
		where: []string{"status = 'closed'"},
		order: "closed_at DESC, id",
	}
	q.window(opts, "closed_at")

	out, err := s.queryPositions(ctx, q.sql(opts.Limit, opts.Offset), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return out, nil
}

// ListUnarchived returns up to limit closed positions that closed before
// the cutoff and were not archived yet, oldest first.
func (s *PositionStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	q := selectQuery{
		base:  `SELECT ` + positionColumns + ` FROM positions`,
		where: []string{"status = 'closed'", "archived_at IS NULL"},
		order: "closed_at",
	}
	q.and("closed_at <", before.UTC())

	out, err := s.queryPositions(ctx, q.sql(limit, 0), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unarchived positions: %w", err)
	}
	return out, nil
}

// MarkArchived stamps archived_at on ids and returns how many rows changed.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET archived_at = NOW() WHERE id = ANY($1) AND archived_at IS NULL`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark %d positions archived: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}
