package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
	"github.com/alanyoungcy/futuresbot/internal/notify"
	"github.com/alanyoungcy/futuresbot/internal/observability"
)

// EventPublisher fans exit lifecycle events out to the bus, websocket
// clients and anything else that listens.
type EventPublisher interface {
	PublishExitEvent(ctx context.Context, ev domain.ExitEvent) error
}

// MultiPublisher publishes to every wrapped publisher and joins the errors.
type MultiPublisher []EventPublisher

// PublishExitEvent implements EventPublisher.
func (m MultiPublisher) PublishExitEvent(ctx context.Context, ev domain.ExitEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishExitEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenRequest describes a position entered outside the exit engine.
type OpenRequest struct {
	Symbol     string      `json:"symbol"`
	Side       domain.Side `json:"side"`
	EntryPrice float64     `json:"entry_price"`
	Quantity   float64     `json:"quantity"`
	Leverage   int         `json:"leverage"`
	StopLoss   float64     `json:"stop_loss"`
	EntryTime  time.Time   `json:"entry_time"`
}

// Validate rejects requests that cannot form a position.
func (r OpenRequest) Validate() error {
	var errs []string
	if strings.TrimSpace(r.Symbol) == "" {
		errs = append(errs, "symbol is required")
	}
	if !r.Side.Valid() {
		errs = append(errs, fmt.Sprintf("side must be LONG or SHORT, got %q", r.Side))
	}
	if r.EntryPrice <= 0 {
		errs = append(errs, "entry_price must be > 0")
	}
	if r.Quantity <= 0 {
		errs = append(errs, "quantity must be > 0")
	}
	if r.Leverage < 0 {
		errs = append(errs, "leverage must be >= 0")
	}
	if r.StopLoss < 0 {
		errs = append(errs, "stop_loss must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, strings.Join(errs, "; "))
	}
	return nil
}

// PositionService owns the lifecycle of open positions: opening, applying
// filled partial closes, stop moves and the final close. It keeps an
// in-memory view of open positions keyed by symbol, the store stays the
// source of truth and Restore rebuilds the view from it.
type PositionService struct {
	positions domain.PositionStore
	audit     domain.AuditStore
	publisher EventPublisher
	notifier  *notify.Notifier
	metrics   *observability.Metrics
	ladder    *ladder.Controller
	tracker   *ladder.Tracker
	exits     *exitpolicy.Engine
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	open map[string]domain.Position
}

// NewPositionService creates a PositionService. publisher, notifier and
// metrics may be nil.
func NewPositionService(
	positions domain.PositionStore,
	audit domain.AuditStore,
	publisher EventPublisher,
	notifier *notify.Notifier,
	metrics *observability.Metrics,
	ctrl *ladder.Controller,
	tracker *ladder.Tracker,
	exits *exitpolicy.Engine,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		audit:     audit,
		publisher: publisher,
		notifier:  notifier,
		metrics:   metrics,
		ladder:    ctrl,
		tracker:   tracker,
		exits:     exits,
		logger:    logger.With(slog.String("component", "position_service")),
		now:       func() time.Time { return time.Now().UTC() },
		open:      make(map[string]domain.Position),
	}
}

// Open persists a new position and starts tracking it.
func (s *PositionService) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open: %w", err)
	}
	now := s.now()
	if req.EntryTime.IsZero() {
		req.EntryTime = now
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}

	pos := domain.Position{
		ID:               uuid.NewString(),
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       req.EntryPrice,
		Quantity:         req.Quantity,
		OriginalQuantity: req.Quantity,
		Leverage:         req.Leverage,
		StopLoss:         req.StopLoss,
		EntryTime:        req.EntryTime.UTC(),
		LevelsHit:        []int{},
		PartialExits:     []domain.PartialExit{},
		Status:           domain.PositionStatusOpen,
		UpdatedAt:        now,
	}
	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create %s: %w", pos.Symbol, err)
	}

	s.tracker.Start(pos.Symbol)
	s.exits.Reset(pos.Symbol)
	s.put(pos)

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("stop_loss", pos.StopLoss),
	)
	s.auditLog(ctx, domain.EventPositionOpened, map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
		"stop_loss":   pos.StopLoss,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventPositionOpened,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Price:      pos.EntryPrice,
		StopLoss:   pos.StopLoss,
		At:         now,
	})
	return pos, nil
}

// Restore loads every open position from the store and rebuilds ladder and
// exit-policy tracking from their persisted history. It returns how many
// positions were restored.
func (s *PositionService) Restore(ctx context.Context) (int, error) {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("position_service: restore: %w", err)
	}

	s.mu.Lock()
	s.open = make(map[string]domain.Position, len(open))
	for _, p := range open {
		s.open[p.Symbol] = p
	}
	s.mu.Unlock()

	for _, p := range open {
		fallback := s.tracker.Rehydrate(p)
		s.exits.Restore(p.Symbol, exitpolicy.TiersFromExits(p.PartialExits))
		if !p.Conserved() {
			s.logger.WarnContext(ctx, "restored position quantities do not add up",
				slog.String("position_id", p.ID),
				slog.String("symbol", p.Symbol),
				slog.Float64("quantity", p.Quantity),
				slog.Float64("closed", p.ClosedQuantity()),
				slog.Float64("original_quantity", p.OriginalQuantity),
			)
		}
		s.logger.InfoContext(ctx, "tracking restored",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.Any("levels_hit", p.LevelsHit),
			slog.Float64("quantity", p.Quantity),
			slog.Bool("fallback", fallback),
		)
		s.emit(ctx, domain.ExitEvent{
			Type:       domain.EventTrackingRestore,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			StopLoss:   p.StopLoss,
			Detail:     map[string]any{"levels_hit": p.LevelsHit, "fallback": fallback},
			At:         s.now(),
		})
	}
	return len(open), nil
}

// Get returns the open position for symbol.
func (s *PositionService) Get(symbol string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.open[strings.ToUpper(symbol)]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// List returns all open positions sorted by symbol.
func (s *PositionService) List() []domain.Position {
	s.mu.RLock()
	out := make([]domain.Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Count is the number of open positions.
func (s *PositionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

// LadderStatus derives the ladder snapshot for symbol. A tracker entry that
// has drifted from the position is rebuilt from it first.
func (s *PositionService) LadderStatus(symbol string) (domain.LadderStatus, error) {
	pos, ok := s.Get(symbol)
	if !ok {
		return domain.LadderStatus{}, fmt.Errorf("position_service: ladder status %s: %w", symbol, domain.ErrNotFound)
	}
	if !s.tracker.Consistent(pos) {
		s.logger.Warn("ladder tracking out of step with position, rehydrating",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Any("tracked", s.tracker.Levels(pos.Symbol)),
			slog.Any("levels_hit", pos.LevelsHit),
		)
		s.tracker.Rehydrate(pos)
	}
	st := s.ladder.Status(pos)
	st.Fallback = s.tracker.InFallback(pos.Symbol)
	return st, nil
}

// ExitTiers returns the ATR tiers already fired for symbol.
func (s *PositionService) ExitTiers(symbol string) ([]exitpolicy.Tier, error) {
	pos, ok := s.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("position_service: exit tiers %s: %w", symbol, domain.ErrNotFound)
	}
	return s.exits.Triggered(pos.Symbol), nil
}

// ApplyPartialClose folds a successful fill into pos: quantity is reduced,
// the stop moves favourably, a PartialExit is recorded and ladder levels are
// marked hit. The result is persisted. A position left flat is closed with
// reason, or with a reason derived from the instruction when reason is empty.
func (s *PositionService) ApplyPartialClose(
	ctx context.Context,
	pos domain.Position,
	instr domain.PartialCloseInstruction,
	outcome domain.PartialCloseOutcome,
	reason string,
) (domain.Position, error) {
	if !outcome.Success {
		return pos, fmt.Errorf("position_service: apply %s level %d: outcome not successful", pos.Symbol, instr.Level)
	}
	now := s.now()
	oldStop := pos.StopLoss

	updated := ladder.Apply(pos, instr, outcome.FilledQuantity, outcome.FillPrice, now)
	if n := len(updated.PartialExits); n > 0 {
		updated.PartialExits[n-1].OrderID = outcome.OrderID
	}
	last := updated.PartialExits[len(updated.PartialExits)-1]

	if instr.Source == domain.ExitSourceLadder || instr.Source == "" {
		s.tracker.Record(updated.Symbol, instr.Level)
		s.metrics.RecordLevelHit(strconv.Itoa(instr.Level))
	}

	// The order has filled, so memory follows the exchange even if the
	// write below fails.
	s.put(updated)
	var persistErr error
	if err := s.positions.Update(ctx, updated); err != nil {
		persistErr = fmt.Errorf("position_service: persist %s after level %d: %w", updated.Symbol, instr.Level, err)
		s.logger.ErrorContext(ctx, "persist partial close failed",
			slog.String("position_id", updated.ID),
			slog.String("symbol", updated.Symbol),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "partial close applied",
		slog.String("position_id", updated.ID),
		slog.String("symbol", updated.Symbol),
		slog.String("source", string(last.Source)),
		slog.Int("level", instr.Level),
		slog.Float64("filled", last.Quantity),
		slog.Float64("price", last.Price),
		slog.Float64("profit", last.Profit),
		slog.Float64("remaining", updated.Quantity),
		slog.Float64("stop_loss", updated.StopLoss),
	)
	s.auditLog(ctx, domain.EventPartialClose, map[string]any{
		"position_id": updated.ID,
		"symbol":      updated.Symbol,
		"source":      string(last.Source),
		"level":       instr.Level,
		"quantity":    last.Quantity,
		"price":       last.Price,
		"profit":      last.Profit,
		"order_id":    outcome.OrderID,
		"attempts":    outcome.Attempts,
		"remaining":   updated.Quantity,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventPartialClose,
		PositionID: updated.ID,
		Symbol:     updated.Symbol,
		Side:       updated.Side,
		Level:      instr.Level,
		Quantity:   last.Quantity,
		Price:      last.Price,
		StopLoss:   updated.StopLoss,
		Profit:     last.Profit,
		Detail: map[string]any{
			"source":    string(last.Source),
			"remaining": updated.Quantity,
			"order_id":  outcome.OrderID,
		},
		At: now,
	})
	if updated.StopLoss != oldStop {
		s.metrics.RecordStopMove("ladder")
		s.emit(ctx, domain.ExitEvent{
			Type:       domain.EventStopMoved,
			PositionID: updated.ID,
			Symbol:     updated.Symbol,
			Side:       updated.Side,
			StopLoss:   updated.StopLoss,
			Reason:     "ladder",
			Detail:     map[string]any{"old_stop": oldStop, "level": instr.Level},
			At:         now,
		})
	}

	if !updated.IsFlat() {
		return updated, persistErr
	}
	if reason == "" {
		reason = flatReason(instr.Source)
	}
	closed, err := s.Close(ctx, updated, outcome.FillPrice, reason)
	if err != nil {
		return closed, errors.Join(persistErr, err)
	}
	return closed, persistErr
}

func flatReason(source domain.ExitSource) string {
	switch source {
	case domain.ExitSourceATRPolicy:
		return domain.ExitReasonATRFinal
	case domain.ExitSourceFull:
		return domain.ExitReasonManual
	default:
		return domain.ExitReasonLadderComplete
	}
}

// ApplyStop moves the protective stop to newStop if that is more favourable.
// It reports whether the stop moved.
func (s *PositionService) ApplyStop(ctx context.Context, pos domain.Position, newStop float64, reason string) (domain.Position, bool, error) {
	if !pos.Side.MoreFavorableStop(newStop, pos.StopLoss) {
		return pos, false, nil
	}
	oldStop := pos.StopLoss
	updated := pos.Clone()
	updated.StopLoss = newStop
	updated.UpdatedAt = s.now()

	if err := s.positions.Update(ctx, updated); err != nil {
		return pos, false, fmt.Errorf("position_service: persist stop %s: %w", pos.Symbol, err)
	}
	s.put(updated)
	s.metrics.RecordStopMove(reason)

	s.logger.InfoContext(ctx, "stop moved",
		slog.String("position_id", updated.ID),
		slog.String("symbol", updated.Symbol),
		slog.String("reason", reason),
		slog.Float64("old_stop", oldStop),
		slog.Float64("new_stop", newStop),
	)
	s.auditLog(ctx, domain.EventStopMoved, map[string]any{
		"position_id": updated.ID,
		"symbol":      updated.Symbol,
		"reason":      reason,
		"old_stop":    oldStop,
		"new_stop":    newStop,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventStopMoved,
		PositionID: updated.ID,
		Symbol:     updated.Symbol,
		Side:       updated.Side,
		StopLoss:   newStop,
		Reason:     reason,
		Detail:     map[string]any{"old_stop": oldStop},
		At:         updated.UpdatedAt,
	})
	return updated, true, nil
}

// Close marks pos closed at exitPrice and clears every piece of per-symbol
// tracking so a later position on the same symbol starts clean.
func (s *PositionService) Close(ctx context.Context, pos domain.Position, exitPrice float64, reason string) (domain.Position, error) {
	now := s.now()
	var closeErr error
	if err := s.positions.Close(ctx, pos.ID, exitPrice, reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "position already closed in store",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
			)
		} else {
			closeErr = fmt.Errorf("position_service: close %s: %w", pos.Symbol, err)
		}
	}

	closed := pos.Clone()
	closed.Status = domain.PositionStatusClosed
	closed.ExitPrice = &exitPrice
	closed.ExitReason = reason
	closed.ClosedAt = &now
	closed.UpdatedAt = now

	// A newer position may already hold the symbol; its tracking stays.
	s.mu.Lock()
	cur, ok := s.open[pos.Symbol]
	owns := !ok || cur.ID == pos.ID
	if ok && owns {
		delete(s.open, pos.Symbol)
	}
	s.mu.Unlock()
	if owns {
		s.tracker.Reset(pos.Symbol)
		s.exits.Reset(pos.Symbol)
	}
	s.metrics.RecordExit(reason)

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", closed.ID),
		slog.String("symbol", closed.Symbol),
		slog.String("reason", reason),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", closed.RealizedPnL),
		slog.Int("partial_exits", len(closed.PartialExits)),
	)
	s.auditLog(ctx, domain.EventPositionClosed, map[string]any{
		"position_id":  closed.ID,
		"symbol":       closed.Symbol,
		"reason":       reason,
		"exit_price":   exitPrice,
		"realized_pnl": closed.RealizedPnL,
		"levels_hit":   closed.LevelsHit,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventPositionClosed,
		PositionID: closed.ID,
		Symbol:     closed.Symbol,
		Side:       closed.Side,
		Price:      exitPrice,
		Profit:     closed.RealizedPnL,
		Reason:     reason,
		Detail:     map[string]any{"levels_hit": closed.LevelsHit},
		At:         now,
	})
	return closed, closeErr
}

// RecordFailure reports a close that did not fill. pos is left unchanged.
func (s *PositionService) RecordFailure(ctx context.Context, pos domain.Position, instr domain.PartialCloseInstruction, outcome domain.PartialCloseOutcome) {
	s.logger.WarnContext(ctx, "partial close failed, position unchanged",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("source", string(instr.Source)),
		slog.Int("level", instr.Level),
		slog.Int("attempts", outcome.Attempts),
		slog.String("error", outcome.ErrorMessage),
	)
	s.auditLog(ctx, domain.EventPartialFailed, map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"source":      string(instr.Source),
		"level":       instr.Level,
		"quantity":    instr.Quantity,
		"attempts":    outcome.Attempts,
		"error":       outcome.ErrorMessage,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventPartialFailed,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Level:      instr.Level,
		Quantity:   instr.Quantity,
		Price:      instr.TargetPrice,
		Reason:     outcome.ErrorMessage,
		Detail:     map[string]any{"source": string(instr.Source), "attempts": outcome.Attempts},
		At:         s.now(),
	})
}

// RecordFallback marks symbol as having abandoned its ladder.
func (s *PositionService) RecordFallback(ctx context.Context, pos domain.Position) {
	if s.tracker.InFallback(pos.Symbol) {
		return
	}
	s.tracker.MarkFallback(pos.Symbol)
	s.metrics.RecordFallback()
	target := s.ladder.SingleTarget(pos)
	s.auditLog(ctx, domain.EventLadderFallback, map[string]any{
		"position_id":    pos.ID,
		"symbol":         pos.Symbol,
		"quantity":       pos.Quantity,
		"min_order_size": s.ladder.MinOrderSize(),
		"single_target":  target,
	})
	s.emit(ctx, domain.ExitEvent{
		Type:       domain.EventLadderFallback,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Price:      target,
		At:         s.now(),
	})
}

func (s *PositionService) put(pos domain.Position) {
	s.mu.Lock()
	s.open[pos.Symbol] = pos
	s.mu.Unlock()
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) emit(ctx context.Context, ev domain.ExitEvent) {
	if s.publisher != nil {
		if err := s.publisher.PublishExitEvent(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "publish exit event failed",
				slog.String("event", ev.Type),
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.notifier.NotifyExit(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", ev.Type),
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
