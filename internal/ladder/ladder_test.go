package ladder

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Levels == nil {
		cfg.Levels = DefaultLevels()
	}
	c, err := New(cfg, testLogger())
	require.NoError(t, err)
	return c
}

func longPosition(entry, qty float64) domain.Position {
	return domain.Position{
		ID:               "pos-1",
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		EntryPrice:       entry,
		Quantity:         qty,
		OriginalQuantity: qty,
		StopLoss:         entry * 0.96,
		EntryTime:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:           domain.PositionStatusOpen,
	}
}

func TestController_GapFiresLevelsInOrder(t *testing.T) {
	c := newTestController(t, Config{MinOrderSize: 0.001})
	pos := longPosition(50000, 1.0)
	const price = 54000.0

	wantStops := []float64{50000, 51500, 52500}
	wantQty := []float64{0.4, 0.3, 0.3}
	for i := 0; i < 3; i++ {
		instr, ok := c.Evaluate(pos, price)
		require.True(t, ok, "level %d should fire", i+1)
		assert.Equal(t, i+1, instr.Level)
		assert.InDelta(t, wantQty[i], instr.Quantity, 1e-9)
		assert.InDelta(t, wantStops[i], instr.NewStopLoss, 1e-6)
		pos = Apply(pos, instr, instr.Quantity, price, time.Now())
	}

	_, ok := c.Evaluate(pos, price)
	assert.False(t, ok)
	assert.True(t, pos.IsFlat())
	assert.True(t, pos.Conserved())
	assert.Equal(t, []int{1, 2, 3}, pos.LevelsHit)
	assert.InDelta(t, 52500, pos.StopLoss, 1e-6)
}

func TestController_LastLevelClosesRemaining(t *testing.T) {
	c := newTestController(t, Config{MinOrderSize: 0.001})
	pos := longPosition(50000, 1.0)
	for _, instr := range c.ApplicableLevels(pos, 60000) {
		if instr.Level == 3 {
			assert.True(t, instr.CloseRemaining)
		} else {
			assert.False(t, instr.CloseRemaining)
		}
	}
}

func TestController_NoLevelBelowFirstTarget(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)

	_, ok := c.Evaluate(pos, 51400)
	assert.False(t, ok)

	instr, ok := c.Evaluate(pos, 51500)
	require.True(t, ok)
	assert.Equal(t, 1, instr.Level)
}

func TestController_ShortPosition(t *testing.T) {
	c := newTestController(t, Config{})
	pos := domain.Position{
		Symbol:           "ETHUSDT",
		Side:             domain.SideShort,
		EntryPrice:       100,
		Quantity:         10,
		OriginalQuantity: 10,
		StopLoss:         104,
	}

	_, ok := c.Evaluate(pos, 98)
	assert.False(t, ok)

	instr, ok := c.Evaluate(pos, 94)
	require.True(t, ok)
	assert.Equal(t, 1, instr.Level)
	assert.InDelta(t, 97, instr.TargetPrice, 1e-9)
	assert.InDelta(t, 100, instr.NewStopLoss, 1e-9)
	assert.InDelta(t, 4, instr.Quantity, 1e-9)

	pos = Apply(pos, instr, instr.Quantity, 94, time.Now())
	assert.InDelta(t, 100, pos.StopLoss, 1e-9)
	assert.InDelta(t, 24, pos.RealizedPnL, 1e-9)

	instr, ok = c.Evaluate(pos, 94)
	require.True(t, ok)
	assert.Equal(t, 2, instr.Level)
	assert.InDelta(t, 97, instr.NewStopLoss, 1e-9)

	pos = Apply(pos, instr, instr.Quantity, 94, time.Now())
	_, ok = c.Evaluate(pos, 94)
	assert.False(t, ok, "level 3 at 92 is not reached")
}

func TestController_StopNeverLoosens(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)
	pos.StopLoss = 51000

	instr, ok := c.Evaluate(pos, 51600)
	require.True(t, ok)
	assert.Equal(t, 51000.0, instr.NewStopLoss)

	pos = Apply(pos, instr, instr.Quantity, 51600, time.Now())
	assert.Equal(t, 51000.0, pos.StopLoss)
}

func TestController_FallbackWhenNoLevelTradable(t *testing.T) {
	c := newTestController(t, Config{MinOrderSize: 0.5, FallbackToSingle: true})
	pos := longPosition(50000, 0.1)

	ev := c.EvaluateDetailed(pos, 54000)
	assert.False(t, ev.Found)
	assert.True(t, ev.Fallback)

	_, ok := c.Evaluate(pos, 54000)
	assert.False(t, ok)
	assert.InDelta(t, 54000, c.SingleTarget(pos), 1e-6)
}

func TestController_SkipWhenFallbackDisabled(t *testing.T) {
	c := newTestController(t, Config{MinOrderSize: 0.5})
	pos := longPosition(50000, 0.1)

	ev := c.EvaluateDetailed(pos, 54000)
	assert.False(t, ev.Found)
	assert.False(t, ev.Fallback)
	assert.Equal(t, []int{1, 2, 3}, ev.Skipped)
}

func TestController_SubMinimumLevelSkippedAfterFirstFill(t *testing.T) {
	c := newTestController(t, Config{
		Levels: []Level{
			{ProfitFraction: 0.03, CloseFraction: 0.70},
			{ProfitFraction: 0.05, CloseFraction: 0.05},
			{ProfitFraction: 0.08, CloseFraction: 0.25},
		},
		MinOrderSize:     0.1,
		FallbackToSingle: true,
	})
	pos := longPosition(50000, 1.0)

	instr, ok := c.Evaluate(pos, 52600)
	require.True(t, ok)
	assert.Equal(t, 1, instr.Level)
	pos = Apply(pos, instr, instr.Quantity, 52600, time.Now())

	ev := c.EvaluateDetailed(pos, 52600)
	assert.False(t, ev.Found)
	assert.False(t, ev.Fallback)
	assert.Equal(t, []int{2}, ev.Skipped)

	instr, ok = c.Evaluate(pos, 54000)
	require.True(t, ok)
	assert.Equal(t, 3, instr.Level)
	assert.True(t, instr.CloseRemaining)
	assert.InDelta(t, 0.3, instr.Quantity, 1e-9)
}

func TestController_DustRemainderClosesEverything(t *testing.T) {
	c := newTestController(t, Config{
		Levels: []Level{
			{ProfitFraction: 0.03, CloseFraction: 0.50},
			{ProfitFraction: 0.05, CloseFraction: 0.45},
			{ProfitFraction: 0.08, CloseFraction: 0.05},
		},
		MinOrderSize: 0.1,
	})
	pos := longPosition(50000, 1.0)

	instr, ok := c.Evaluate(pos, 51500)
	require.True(t, ok)
	assert.InDelta(t, 0.5, instr.Quantity, 1e-9)
	assert.False(t, instr.CloseRemaining)
	pos = Apply(pos, instr, instr.Quantity, 51500, time.Now())

	instr, ok = c.Evaluate(pos, 52500)
	require.True(t, ok)
	assert.Equal(t, 2, instr.Level)
	assert.True(t, instr.CloseRemaining)
	assert.InDelta(t, 0.5, instr.Quantity, 1e-9)
}

func TestController_QuantityClampedToOpenSize(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)
	pos.Quantity = 0.2

	instr, ok := c.Evaluate(pos, 51500)
	require.True(t, ok)
	assert.True(t, instr.CloseRemaining)
	assert.InDelta(t, 0.2, instr.Quantity, 1e-12)
}

func TestController_RestoredPositionResumes(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)
	pos.Quantity = 0.6
	pos.LevelsHit = []int{1}
	pos.StopLoss = 50000

	instr, ok := c.Evaluate(pos, 54000)
	require.True(t, ok)
	assert.Equal(t, 2, instr.Level)
	assert.InDelta(t, 51500, instr.NewStopLoss, 1e-6)
}

func TestController_OutOfOrderHistory(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)
	pos.Quantity = 0.7
	pos.LevelsHit = []int{2}

	instr, ok := c.Evaluate(pos, 54000)
	require.True(t, ok)
	assert.Equal(t, 1, instr.Level)

	st := c.Status(pos)
	assert.Equal(t, 1, st.NextLevel)
}

func TestController_EmptyPosition(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)
	pos.Quantity = 0

	_, ok := c.Evaluate(pos, 60000)
	assert.False(t, ok)
}

func TestController_ApplicableLevelsLeavesInputUntouched(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)

	instrs := c.ApplicableLevels(pos, 52600)
	require.Len(t, instrs, 2)
	assert.Equal(t, 1, instrs[0].Level)
	assert.Equal(t, 2, instrs[1].Level)

	assert.Empty(t, pos.LevelsHit)
	assert.Equal(t, 1.0, pos.Quantity)
}

func TestController_Status(t *testing.T) {
	c := newTestController(t, Config{})
	pos := longPosition(50000, 1.0)

	st := c.Status(pos)
	assert.Equal(t, []int{}, st.LevelsHit)
	assert.Equal(t, 1.0, st.RemainingSizeFraction)
	assert.Equal(t, 1, st.NextLevel)
	assert.InDelta(t, 51500, st.NextTargetPrice, 1e-6)

	pos.LevelsHit = []int{3, 1, 2}
	pos.Quantity = 0
	st = c.Status(pos)
	assert.Equal(t, []int{1, 2, 3}, st.LevelsHit)
	assert.False(t, st.HasNext())
	assert.True(t, c.Complete(pos))
}

func TestCheckMinimumSize(t *testing.T) {
	c := newTestController(t, Config{MinOrderSize: 0.05, FallbackToSingle: true})
	pos := longPosition(100, 1.0)

	tests := []struct {
		name    string
		pos     domain.Position
		level   int
		qty     float64
		want    SizeDecision
		wantQty float64
	}{
		{name: "proceed", pos: pos, level: 1, qty: 0.4, want: SizeProceed, wantQty: 0.4},
		{name: "below minimum not all tiny", pos: pos, level: 1, qty: 0.01, want: SizeSkip},
		{name: "exact remaining", pos: pos, level: 3, qty: 1.0, want: SizeCloseRemaining, wantQty: 1.0},
		{name: "dust remainder", pos: pos, level: 2, qty: 0.97, want: SizeCloseRemaining, wantQty: 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, qty := c.CheckMinimumSize(tt.pos, tt.level, tt.qty)
			assert.Equal(t, tt.want, got)
			assert.InDelta(t, tt.wantQty, qty, 1e-12)
		})
	}

	tiny := longPosition(100, 0.1)
	got, _ := c.CheckMinimumSize(tiny, 1, 0.04)
	assert.Equal(t, SizeFallback, got)

	tiny.LevelsHit = []int{1}
	got, _ = c.CheckMinimumSize(tiny, 2, 0.03)
	assert.Equal(t, SizeSkip, got)

	traded := longPosition(100, 0.1)
	traded.PartialExits = []domain.PartialExit{{Level: 1, Quantity: 0.02, Source: domain.ExitSourceATRPolicy}}
	got, _ = c.CheckMinimumSize(traded, 1, 0.04)
	assert.Equal(t, SizeSkip, got, "a position that already closed something does not fall back")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Levels: DefaultLevels()}.Validate())

	tests := []struct {
		name   string
		cfg    Config
		substr string
	}{
		{name: "empty", cfg: Config{}, substr: "at least one level"},
		{name: "sum", cfg: Config{Levels: []Level{{0.03, 0.5}, {0.05, 0.3}}}, substr: "sum to 0.8000"},
		{name: "order", cfg: Config{Levels: []Level{{0.05, 0.5}, {0.03, 0.5}}}, substr: "must be greater than level 1"},
		{name: "profit", cfg: Config{Levels: []Level{{0, 1}}}, substr: "profit_fraction must be > 0"},
		{name: "close", cfg: Config{Levels: []Level{{0.03, 1.2}}}, substr: "close_fraction must be in (0,1]"},
		{name: "min", cfg: Config{Levels: DefaultLevels(), MinOrderSize: -1}, substr: "min_order_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}

	_, err := New(Config{}, testLogger())
	assert.Error(t, err)
}

func TestConfig_Warnings(t *testing.T) {
	cfg := Config{
		Levels:       []Level{{0.03, 0.5}, {0.033, 0.5}},
		MinOrderSize: 0.5,
	}
	require.NoError(t, cfg.Validate())
	w := cfg.Warnings()
	require.Len(t, w, 2)
	assert.Contains(t, w[0], "apart")
	assert.Contains(t, w[1], "min_order_size")

	assert.Empty(t, Config{Levels: DefaultLevels()}.Warnings())
}

func TestTracker(t *testing.T) {
	tr := NewTracker(newTestController(t, Config{}))
	assert.False(t, tr.Tracked("BTCUSDT"))

	pos := longPosition(100, 1)
	pos.LevelsHit = []int{2, 1}
	assert.False(t, tr.Rehydrate(pos))
	assert.True(t, tr.Consistent(pos))
	tr.Record("BTCUSDT", 2)
	tr.Record("BTCUSDT", 3)
	assert.Equal(t, []int{1, 2, 3}, tr.Levels("BTCUSDT"))
	assert.False(t, tr.Consistent(pos))

	tr.MarkFallback("ETHUSDT")
	assert.True(t, tr.InFallback("ETHUSDT"))
	assert.True(t, tr.Tracked("ETHUSDT"))

	tr.Reset("BTCUSDT")
	assert.False(t, tr.Tracked("BTCUSDT"))
	assert.Empty(t, tr.Levels("BTCUSDT"))

	tr.Start("BTCUSDT")
	assert.True(t, tr.Tracked("BTCUSDT"))
	assert.True(t, tr.Consistent(longPosition(100, 1)))
}

func TestTracker_RehydrateDerivesFallback(t *testing.T) {
	tr := NewTracker(newTestController(t, Config{MinOrderSize: 0.5, FallbackToSingle: true}))

	small := longPosition(100, 0.1)
	assert.True(t, tr.Rehydrate(small))
	assert.True(t, tr.InFallback("BTCUSDT"))

	small.PartialExits = []domain.PartialExit{{Level: 1, Quantity: 0.02, Source: domain.ExitSourceATRPolicy}}
	assert.False(t, tr.Rehydrate(small), "only a position that closed nothing falls back")
	assert.False(t, tr.InFallback("BTCUSDT"))

	assert.False(t, tr.Rehydrate(longPosition(100, 2)))

	noFallback := NewTracker(newTestController(t, Config{MinOrderSize: 0.5}))
	assert.False(t, noFallback.Rehydrate(longPosition(100, 0.1)))
}

func randomLevels(rng *rand.Rand) []Level {
	n := 1 + rng.Intn(5)
	levels := make([]Level, n)
	weights := make([]float64, n)
	var profit, total float64
	for i := range levels {
		profit += 0.005 + rng.Float64()*0.04
		levels[i].ProfitFraction = profit
		weights[i] = 0.1 + rng.Float64()
		total += weights[i]
	}
	for i := range levels {
		levels[i].CloseFraction = weights[i] / total
	}
	return levels
}

func TestController_RandomPriceSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(20260301))

	for run := 0; run < 300; run++ {
		side := domain.SideLong
		stop := 96.0
		if rng.Intn(2) == 1 {
			side, stop = domain.SideShort, 104.0
		}
		levels := randomLevels(rng)
		qty := 0.01 + rng.Float64()*5
		var min float64
		if rng.Intn(3) > 0 {
			min = rng.Float64() * qty * 0.6
		}
		c := newTestController(t, Config{Levels: levels, MinOrderSize: min, FallbackToSingle: rng.Intn(2) == 0})

		pos := longPosition(100, qty)
		pos.Side, pos.StopLoss = side, stop
		name := fmt.Sprintf("run %d: %s levels=%d qty=%.4f min=%.4f", run, side, len(levels), qty, min)
		top := levels[len(levels)-1].ProfitFraction
		last := 0

		for step := 0; step < 40 && !pos.IsFlat(); step++ {
			move := -0.05 + rng.Float64()*(top*1.3+0.05)
			price := 100 * (1 + move)
			if side == domain.SideShort {
				price = 100 * (1 - move)
			}

			planned := c.ApplicableLevels(pos, price)
			var fired []int
			fellBack := false
			for {
				ev := c.EvaluateDetailed(pos, price)
				if ev.Fallback {
					fellBack = true
					break
				}
				if !ev.Found {
					break
				}
				instr := ev.Instruction
				require.Greater(t, instr.Level, last, "%s: levels fire in ascending order", name)
				if instr.CloseRemaining {
					assert.InDelta(t, pos.Quantity, instr.Quantity, 1e-12, name)
				} else {
					assert.GreaterOrEqual(t, instr.Quantity, min, name)
					assert.GreaterOrEqual(t, pos.Quantity-instr.Quantity, min, name)
				}

				prevStop := pos.StopLoss
				pos = Apply(pos, instr, instr.Quantity, instr.TargetPrice, time.Time{})
				require.True(t, pos.Conserved(), "%s: quantity is conserved", name)
				if side == domain.SideLong {
					assert.GreaterOrEqual(t, pos.StopLoss, prevStop, "%s: stop only rises", name)
				} else {
					assert.LessOrEqual(t, pos.StopLoss, prevStop, "%s: stop only falls", name)
				}
				last = instr.Level
				fired = append(fired, instr.Level)
			}

			if fellBack {
				assert.True(t, pos.IsVirgin(), name)
				assert.Empty(t, planned, name)
				break
			}
			var plannedLevels []int
			for _, p := range planned {
				plannedLevels = append(plannedLevels, p.Level)
			}
			assert.Equal(t, plannedLevels, fired, "%s: ApplicableLevels matches repeated Evaluate", name)
		}
		assert.True(t, sort.IntsAreSorted(pos.LevelsHit), name)
		assert.LessOrEqual(t, len(pos.LevelsHit), len(levels), name)
	}
}
