package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// IndicatorCache implements domain.IndicatorSource over a Redis hash written
// by the external indicator pipeline at "<ns>:ind:<SYMBOL>":
//
//	atr               float, 0 or missing means unavailable
//	regime            current regime label
//	prev_regime       regime at the previous tick
//	momentum_reversed "1" / "true" when momentum turned against the trend
type IndicatorCache struct {
	c *Client
}

// NewIndicatorCache creates an IndicatorCache backed by the given Client.
func NewIndicatorCache(c *Client) *IndicatorCache {
	return &IndicatorCache{c: c}
}

// Snapshot reads the latest indicator values for symbol. A missing hash is
// not an error: the snapshot reports ATR 0 and no regime.
func (ic *IndicatorCache) Snapshot(ctx context.Context, symbol string) (domain.IndicatorSnapshot, error) {
	vals, err := ic.c.rdb.HGetAll(ctx, ic.c.Key("ind", symbol)).Result()
	if err != nil {
		return domain.IndicatorSnapshot{}, fmt.Errorf("redis: indicator snapshot %s: %w", symbol, err)
	}

	snap := domain.IndicatorSnapshot{
		Symbol:         symbol,
		CurrentRegime:  domain.Regime(vals["regime"]),
		PreviousRegime: domain.Regime(vals["prev_regime"]),
	}
	if s, ok := vals["atr"]; ok && s != "" {
		atr, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.IndicatorSnapshot{}, fmt.Errorf("redis: parse atr %s: %w", symbol, err)
		}
		if atr > 0 {
			snap.ATR = atr
		}
	}
	switch strings.ToLower(vals["momentum_reversed"]) {
	case "1", "true", "yes":
		snap.MomentumReversed = true
	}
	return snap, nil
}

// SetSnapshot writes a snapshot. The running bot only reads; this exists
// for the indicator pipeline, backfills and tests.
func (ic *IndicatorCache) SetSnapshot(ctx context.Context, snap domain.IndicatorSnapshot) error {
	err := ic.c.rdb.HSet(ctx, ic.c.Key("ind", snap.Symbol),
		"atr", strconv.FormatFloat(snap.ATR, 'f', -1, 64),
		"regime", string(snap.CurrentRegime),
		"prev_regime", string(snap.PreviousRegime),
		"momentum_reversed", strconv.FormatBool(snap.MomentumReversed),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set indicator snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

var _ domain.IndicatorSource = (*IndicatorCache)(nil)
