// Package analytics computes take-profit ladder performance over closed
// positions. A position counts as a scaled trade when at least one ladder
// level filled; everything else is a single-exit trade.
package analytics

import (
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// LevelMetrics summarises one ladder level across scaled trades.
type LevelMetrics struct {
	Level        int     `json:"level"`
	HitCount     int     `json:"hit_count"`
	TotalProfit  float64 `json:"total_profit"`
	AvgProfit    float64 `json:"avg_profit"`
	AvgProfitPct float64 `json:"avg_profit_pct"`
	HitRate      float64 `json:"hit_rate"`
}

// Performance summarises the scaled trades.
type Performance struct {
	TotalTrades       int            `json:"total_trades"`
	TotalProfit       float64        `json:"total_profit"`
	AvgProfitPerTrade float64        `json:"avg_profit_per_trade"`
	Levels            []LevelMetrics `json:"levels"`
	AvgLevelsHit      float64        `json:"avg_levels_hit"`
	FullExitRate      float64        `json:"full_exit_rate"`
}

// Comparison contrasts scaled trades with single-exit trades.
type Comparison struct {
	ScaledTrades      int     `json:"scaled_trades"`
	SingleTrades      int     `json:"single_trades"`
	ScaledProfit      float64 `json:"scaled_profit"`
	SingleProfit      float64 `json:"single_profit"`
	ScaledWinRate     float64 `json:"scaled_win_rate"`
	SingleWinRate     float64 `json:"single_win_rate"`
	ScaledAvgProfit   float64 `json:"scaled_avg_profit"`
	SingleAvgProfit   float64 `json:"single_avg_profit"`
	ProfitImprovement float64 `json:"profit_improvement"`
}

// Report is the payload served by the analytics endpoint. Performance and
// Comparison are nil when there is not enough data.
type Report struct {
	Performance *Performance `json:"performance"`
	Comparison  *Comparison  `json:"comparison"`
}

// IsScaled reports whether any ladder level filled on pos.
func IsScaled(pos domain.Position) bool {
	for _, pe := range pos.PartialExits {
		if pe.Source == domain.ExitSourceLadder && pe.Level > 0 {
			return true
		}
	}
	return false
}

func split(positions []domain.Position) (scaled, single []domain.Position) {
	for _, p := range positions {
		if IsScaled(p) {
			scaled = append(scaled, p)
		} else {
			single = append(single, p)
		}
	}
	return scaled, single
}

// LevelBreakdown returns per-level metrics for levels 1..numLevels. Only
// the first ladder fill of a level in a trade is counted. Percentages are
// in percent units.
func LevelBreakdown(positions []domain.Position, numLevels int) []LevelMetrics {
	scaled, _ := split(positions)
	if len(scaled) == 0 {
		return []LevelMetrics{}
	}

	out := make([]LevelMetrics, 0, numLevels)
	for level := 1; level <= numLevels; level++ {
		m := LevelMetrics{Level: level}
		var pctSum float64
		for _, p := range scaled {
			for _, pe := range p.PartialExits {
				if pe.Source == domain.ExitSourceLadder && pe.Level == level {
					m.HitCount++
					m.TotalProfit += pe.Profit
					pctSum += pe.ProfitPct
					break
				}
			}
		}
		if m.HitCount > 0 {
			m.AvgProfit = m.TotalProfit / float64(m.HitCount)
			m.AvgProfitPct = pctSum / float64(m.HitCount) * 100
		}
		m.HitRate = float64(m.HitCount) / float64(len(scaled)) * 100
		out = append(out, m)
	}
	return out
}

// ScaledPerformance summarises the scaled trades, or returns nil when there
// are none. A trade's profit is its realized PnL, which includes any final
// full exit after the ladder.
func ScaledPerformance(positions []domain.Position, numLevels int) *Performance {
	scaled, _ := split(positions)
	if len(scaled) == 0 {
		return nil
	}

	perf := &Performance{TotalTrades: len(scaled)}
	var levelsHit, fullExits int
	for _, p := range scaled {
		perf.TotalProfit += p.RealizedPnL
		levelsHit += len(p.LevelsHit)
		if len(p.LevelsHit) >= numLevels {
			fullExits++
		}
	}
	n := float64(len(scaled))
	perf.AvgProfitPerTrade = perf.TotalProfit / n
	perf.AvgLevelsHit = float64(levelsHit) / n
	perf.FullExitRate = float64(fullExits) / n * 100
	perf.Levels = LevelBreakdown(positions, numLevels)
	return perf
}

// Compare contrasts scaled and single-exit trades. It returns nil unless
// both groups are non-empty. ProfitImprovement is the percent change of
// the scaled average over the single average, 0 when the latter is 0.
func Compare(positions []domain.Position) *Comparison {
	scaled, single := split(positions)
	if len(scaled) == 0 || len(single) == 0 {
		return nil
	}

	c := &Comparison{ScaledTrades: len(scaled), SingleTrades: len(single)}
	var scaledWins, singleWins int
	c.ScaledProfit, scaledWins = sumPnL(scaled)
	c.SingleProfit, singleWins = sumPnL(single)

	c.ScaledWinRate = float64(scaledWins) / float64(len(scaled)) * 100
	c.SingleWinRate = float64(singleWins) / float64(len(single)) * 100
	c.ScaledAvgProfit = c.ScaledProfit / float64(len(scaled))
	c.SingleAvgProfit = c.SingleProfit / float64(len(single))
	if c.SingleAvgProfit != 0 {
		diff := c.ScaledAvgProfit - c.SingleAvgProfit
		base := c.SingleAvgProfit
		if base < 0 {
			base = -base
		}
		c.ProfitImprovement = diff / base * 100
	}
	return c
}

func sumPnL(positions []domain.Position) (total float64, wins int) {
	for _, p := range positions {
		total += p.RealizedPnL
		if p.RealizedPnL > 0 {
			wins++
		}
	}
	return total, wins
}

// BuildReport computes the full analytics report.
func BuildReport(positions []domain.Position, numLevels int) Report {
	return Report{
		Performance: ScaledPerformance(positions, numLevels),
		Comparison:  Compare(positions),
	}
}
