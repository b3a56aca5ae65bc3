package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// setupTestDB starts a throwaway PostgreSQL container and applies the
// embedded migrations.
func setupTestDB(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("futuresbot"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// Second run is a no-op.
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func samplePosition(id, symbol string) domain.Position {
	return domain.Position{
		ID:               id,
		Symbol:           symbol,
		Side:             domain.SideLong,
		EntryPrice:       50000,
		Quantity:         1,
		OriginalQuantity: 1,
		Leverage:         10,
		StopLoss:         49000,
		EntryTime:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:           domain.PositionStatusOpen,
	}
}

func TestPositionStore_Lifecycle(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	store := NewPositionStore(client.Pool())

	pos := samplePosition("p-1", "BTCUSDT")
	require.NoError(t, store.Create(ctx, pos))

	dup := samplePosition("p-2", "BTCUSDT")
	assert.ErrorIs(t, store.Create(ctx, dup), domain.ErrAlreadyExists, "one open position per symbol")

	got, err := store.GetOpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)
	assert.Equal(t, domain.SideLong, got.Side)
	assert.Empty(t, got.LevelsHit)
	assert.True(t, got.EntryTime.Equal(pos.EntryTime))

	got.Quantity = 0.6
	got.StopLoss = 50000
	got.LevelsHit = []int{1, 2}
	got.PartialExits = []domain.PartialExit{
		{Level: 1, Quantity: 0.2, Price: 51000, Profit: 200, Source: domain.ExitSourceLadder},
		{Level: 2, Quantity: 0.2, Price: 51500, Profit: 300, Source: domain.ExitSourceLadder},
	}
	got.RealizedPnL = 500
	require.NoError(t, store.Update(ctx, got))

	restored, err := store.GetByID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, restored.LevelsHit)
	require.Len(t, restored.PartialExits, 2)
	assert.Equal(t, 51500.0, restored.PartialExits[1].Price)
	assert.True(t, restored.Conserved())

	open, err := store.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, store.Close(ctx, "p-1", 52000, domain.ExitReasonStopLoss))
	assert.ErrorIs(t, store.Close(ctx, "p-1", 52000, domain.ExitReasonStopLoss), domain.ErrNotFound)

	_, err = store.GetOpenBySymbol(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	closed, err := store.ListClosed(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].ExitPrice)
	assert.Equal(t, 52000.0, *closed[0].ExitPrice)
	assert.Equal(t, domain.ExitReasonStopLoss, closed[0].ExitReason)

	other, err := store.ListClosed(ctx, domain.ListOpts{Symbol: "SOLUSDT"})
	require.NoError(t, err)
	assert.Empty(t, other)

	// A new position on the same symbol is allowed once the first is closed.
	require.NoError(t, store.Create(ctx, dup))

	pending, err := store.ListUnarchived(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	n, err := store.MarkArchived(ctx, []string{pending[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = store.ListUnarchived(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPositionStore_NotFound(t *testing.T) {
	client := setupTestDB(t)
	store := NewPositionStore(client.Pool())

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.Update(context.Background(), samplePosition("missing", "X")), domain.ErrNotFound)
}

func TestAuditStore_LogAndList(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	store := NewAuditStore(client.Pool())

	require.NoError(t, store.Log(ctx, "position_opened", map[string]any{"symbol": "ETHUSDT", "position_id": "p-1"}))
	require.NoError(t, store.Log(ctx, "partial_close", map[string]any{"symbol": "ETHUSDT", "position_id": "p-1", "level": 1}))
	require.NoError(t, store.Log(ctx, "position_opened", map[string]any{"symbol": "BTCUSDT"}))
	require.NoError(t, store.Log(ctx, "engine_started", nil))

	entries, err := store.List(ctx, domain.ListOpts{Limit: 1, Symbol: "ethusdt"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "partial_close", entries[0].Event)
	assert.Equal(t, "ETHUSDT", entries[0].Symbol)
	assert.Equal(t, "p-1", entries[0].PositionID)
	assert.Equal(t, float64(1), entries[0].Detail["level"])

	all, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "engine_started", all[0].Event)
	assert.Empty(t, all[0].Symbol)
	assert.Empty(t, all[0].Detail)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/futuresbot?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "futuresbot"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x"}))
	assert.Equal(t, "postgres://bot:p%40ss%2Fw@db:6432/fb?sslmode=require",
		DSN(ClientConfig{User: "bot", Password: "p@ss/w", Host: "db", Port: 6432, Database: "fb", SSLMode: "require"}))

	pc, err := poolConfig(ClientConfig{Host: "db", Database: "fb", MaxConns: 7, StatementTimeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(7), pc.MaxConns)
	assert.Equal(t, "futuresbot", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "10000", pc.ConnConfig.RuntimeParams["statement_timeout"])
}

func TestSelectQuery(t *testing.T) {
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.FixedZone("HKT", 8*3600))
	q := selectQuery{
		base:  "SELECT id FROM positions",
		where: []string{"status = 'closed'"},
		order: "closed_at DESC",
	}
	q.window(domain.ListOpts{Symbol: "ethusdt", Since: &since}, "closed_at")

	sql := q.sql(50, 100)
	assert.Equal(t,
		"SELECT id FROM positions WHERE status = 'closed' AND symbol = $1 AND closed_at >= $2 ORDER BY closed_at DESC LIMIT $3 OFFSET $4",
		sql)
	require.Len(t, q.args, 4)
	assert.Equal(t, "ETHUSDT", q.args[0])
	assert.Equal(t, time.UTC, q.args[1].(time.Time).Location())

	bare := selectQuery{base: "SELECT id FROM audit_log"}
	assert.Equal(t, "SELECT id FROM audit_log", bare.sql(0, 0))
	assert.Empty(t, bare.args)
}
