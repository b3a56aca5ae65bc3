package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func ladderExit(level int, profit, pct float64) domain.PartialExit {
	return domain.PartialExit{Level: level, Profit: profit, ProfitPct: pct, Source: domain.ExitSourceLadder}
}

func fixture() []domain.Position {
	return []domain.Position{
		{
			ID: "full", LevelsHit: []int{1, 2, 3}, RealizedPnL: 600,
			PartialExits: []domain.PartialExit{ladderExit(1, 100, 0.02), ladderExit(2, 200, 0.03), ladderExit(3, 300, 0.05)},
		},
		{
			ID: "partial", LevelsHit: []int{1}, RealizedPnL: 50,
			PartialExits: []domain.PartialExit{
				ladderExit(1, 120, 0.02),
				{Level: 0, Profit: -70, Source: domain.ExitSourceFull},
			},
		},
		{ID: "single-win", RealizedPnL: 200, PartialExits: []domain.PartialExit{{Profit: 200, Source: domain.ExitSourceFull}}},
		{ID: "single-loss", RealizedPnL: -100},
	}
}

func TestLevelBreakdown(t *testing.T) {
	levels := LevelBreakdown(fixture(), 3)
	require.Len(t, levels, 3)

	assert.Equal(t, 2, levels[0].HitCount)
	assert.InDelta(t, 220, levels[0].TotalProfit, 1e-9)
	assert.InDelta(t, 110, levels[0].AvgProfit, 1e-9)
	assert.InDelta(t, 2.0, levels[0].AvgProfitPct, 1e-9)
	assert.InDelta(t, 100.0, levels[0].HitRate, 1e-9)

	assert.Equal(t, 1, levels[2].HitCount)
	assert.InDelta(t, 50.0, levels[2].HitRate, 1e-9)

	assert.Empty(t, LevelBreakdown(nil, 3))
}

func TestScaledPerformance(t *testing.T) {
	perf := ScaledPerformance(fixture(), 3)
	require.NotNil(t, perf)
	assert.Equal(t, 2, perf.TotalTrades)
	assert.InDelta(t, 650, perf.TotalProfit, 1e-9)
	assert.InDelta(t, 325, perf.AvgProfitPerTrade, 1e-9)
	assert.InDelta(t, 2.0, perf.AvgLevelsHit, 1e-9)
	assert.InDelta(t, 50.0, perf.FullExitRate, 1e-9)

	assert.Nil(t, ScaledPerformance(fixture()[2:], 3))
}

func TestCompare(t *testing.T) {
	c := Compare(fixture())
	require.NotNil(t, c)
	assert.Equal(t, 2, c.ScaledTrades)
	assert.Equal(t, 2, c.SingleTrades)
	assert.InDelta(t, 100.0, c.ScaledWinRate, 1e-9)
	assert.InDelta(t, 50.0, c.SingleWinRate, 1e-9)
	assert.InDelta(t, 325, c.ScaledAvgProfit, 1e-9)
	assert.InDelta(t, 50, c.SingleAvgProfit, 1e-9)
	assert.InDelta(t, 550.0, c.ProfitImprovement, 1e-9)

	assert.Nil(t, Compare(fixture()[:2]), "needs both groups")
}

func TestCompare_NegativeSingleBaseline(t *testing.T) {
	positions := []domain.Position{
		{RealizedPnL: 50, PartialExits: []domain.PartialExit{ladderExit(1, 50, 0.01)}},
		{RealizedPnL: -100},
	}
	c := Compare(positions)
	require.NotNil(t, c)
	assert.InDelta(t, 150.0, c.ProfitImprovement, 1e-9)
}

func TestIsScaled_IgnoresATRTiers(t *testing.T) {
	pos := domain.Position{PartialExits: []domain.PartialExit{{Level: 1, Source: domain.ExitSourceATRPolicy}}}
	assert.False(t, IsScaled(pos))

	r := BuildReport([]domain.Position{pos}, 3)
	assert.Nil(t, r.Performance)
	assert.Nil(t, r.Comparison)
}
