package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory domain.PositionStore.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]domain.Position
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]domain.Position)}
}

func (m *memStore) Create(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Symbol == p.Symbol && r.Status == domain.PositionStatusOpen {
			return domain.ErrAlreadyExists
		}
	}
	m.rows[p.ID] = p.Clone()
	return nil
}

func (m *memStore) Update(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[p.ID] = p.Clone()
	return nil
}

func (m *memStore) Close(_ context.Context, id string, exitPrice float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	p.Status = domain.PositionStatusClosed
	p.ExitPrice = &exitPrice
	p.ExitReason = reason
	p.ClosedAt = &now
	m.rows[id] = p
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *memStore) GetOpenBySymbol(_ context.Context, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			return p.Clone(), nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memStore) list(status domain.PositionStatus) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.rows {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *memStore) ListOpen(context.Context) ([]domain.Position, error) {
	return m.list(domain.PositionStatusOpen), nil
}

func (m *memStore) ListClosed(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return m.list(domain.PositionStatusClosed), nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) has(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == event {
			return true
		}
	}
	return false
}

type recPublisher struct {
	mu     sync.Mutex
	events []domain.ExitEvent
	err    error
}

func (r *recPublisher) PublishExitEvent(_ context.Context, ev domain.ExitEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return r.err
}

func (r *recPublisher) ofType(typ string) []domain.ExitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExitEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	at     map[string]time.Time
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64), at: make(map[string]time.Time)}
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.at[symbol] = time.Now().UTC()
	f.mu.Unlock()
}

func (f *fakePrices) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	f.mu.Lock()
	f.prices[symbol] = price
	f.at[symbol] = ts
	f.mu.Unlock()
	return nil
}

func (f *fakePrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, f.at[symbol], nil
}

func (f *fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type fakeIndicators map[string]domain.IndicatorSnapshot

func (f fakeIndicators) Snapshot(_ context.Context, symbol string) (domain.IndicatorSnapshot, error) {
	snap, ok := f[symbol]
	if !ok {
		return domain.IndicatorSnapshot{}, fmt.Errorf("no indicators for %s", symbol)
	}
	return snap, nil
}

// fakeCloser fills every instruction at its target price unless failNext
// is set.
type fakeCloser struct {
	mu       sync.Mutex
	calls    []domain.PartialCloseInstruction
	failNext int
}

func (f *fakeCloser) ClosePartial(_ context.Context, _ domain.Position, instr domain.PartialCloseInstruction) domain.PartialCloseOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instr)
	if f.failNext > 0 {
		f.failNext--
		return domain.PartialCloseOutcome{Attempts: 2, ErrorMessage: "place order: connection reset"}
	}
	return domain.PartialCloseOutcome{
		Success:        true,
		OrderID:        fmt.Sprintf("ord-%d", len(f.calls)),
		FilledQuantity: instr.Quantity,
		FillPrice:      instr.TargetPrice,
		Attempts:       1,
	}
}

func (f *fakeCloser) instructions() []domain.PartialCloseInstruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PartialCloseInstruction(nil), f.calls...)
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

var errBoom = errors.New("boom")

type harness struct {
	store      *memStore
	audit      *memAudit
	pub        *recPublisher
	prices     *fakePrices
	indicators fakeIndicators
	closer     *fakeCloser
	tracker    *ladder.Tracker
	exits      *exitpolicy.Engine
	ladder     *ladder.Controller
	positions  *PositionService
	svc        *ExitService
}

type harnessOpts struct {
	ladderEnabled bool
	minOrderSize  float64
	fallback      bool
	closer        Closer
	locks         *fakeLocks
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	ctrl, err := ladder.New(ladder.Config{
		Levels:           ladder.DefaultLevels(),
		MinOrderSize:     o.minOrderSize,
		FallbackToSingle: o.fallback,
	}, discard())
	require.NoError(t, err)
	policy := exitpolicy.DefaultConfig()
	policy.MinOrderSize = o.minOrderSize
	exits, err := exitpolicy.New(policy, discard())
	require.NoError(t, err)

	h := &harness{
		store:      newMemStore(),
		audit:      &memAudit{},
		pub:        &recPublisher{},
		prices:     newFakePrices(),
		indicators: fakeIndicators{},
		closer:     &fakeCloser{},
		tracker:    ladder.NewTracker(ctrl),
		exits:      exits,
		ladder:     ctrl,
	}
	h.positions = NewPositionService(h.store, h.audit, h.pub, nil, nil, ctrl, h.tracker, exits, discard())

	var closer Closer = h.closer
	if o.closer != nil {
		closer = o.closer
	}
	var locks domain.LockManager
	if o.locks != nil {
		locks = o.locks
	}
	h.svc = NewExitService(h.positions, h.prices, h.indicators, locks, closer, ctrl, exits, h.tracker, nil,
		ExitConfig{
			Workers:          2,
			LadderEnabled:    o.ladderEnabled,
			FallbackToSingle: o.fallback,
			MaxPriceAge:      time.Minute,
		}, discard())
	return h
}

func (h *harness) open(t *testing.T, req OpenRequest) domain.Position {
	t.Helper()
	pos, err := h.positions.Open(context.Background(), req)
	require.NoError(t, err)
	return pos
}

func longBTC() OpenRequest {
	return OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: 50000,
		Quantity:   1,
		Leverage:   10,
		StopLoss:   49000,
	}
}
