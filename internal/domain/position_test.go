package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSide_Directional(t *testing.T) {
	assert.Equal(t, OrderSideSell, SideLong.CloseSide())
	assert.Equal(t, OrderSideBuy, SideShort.CloseSide())
	assert.False(t, Side("FLAT").Valid())

	assert.True(t, SideLong.Reached(51500, 51500))
	assert.True(t, SideLong.Reached(50000*1.03, 51500))
	assert.False(t, SideLong.Reached(51499, 51500))
	assert.True(t, SideShort.Reached(48500, 48500))
	assert.False(t, SideShort.Reached(48501, 48500))

	assert.Equal(t, 500.0, SideLong.ProfitDistance(50000, 50500))
	assert.Equal(t, 500.0, SideShort.ProfitDistance(50000, 49500))
}

func TestSide_StopOrdering(t *testing.T) {
	assert.True(t, SideLong.MoreFavorableStop(49500, 0))
	assert.False(t, SideLong.MoreFavorableStop(0, 0))
	assert.True(t, SideLong.MoreFavorableStop(49500, 49000))
	assert.False(t, SideLong.MoreFavorableStop(48000, 49000))
	assert.True(t, SideShort.MoreFavorableStop(50500, 51000))
	assert.Equal(t, 51000.0, SideShort.TightestStop(52000, 51000))
}

func TestPosition_Bookkeeping(t *testing.T) {
	p := Position{
		Side:             SideLong,
		EntryPrice:       50000,
		Quantity:         0.6,
		OriginalQuantity: 1,
		StopLoss:         50000,
		LevelsHit:        []int{1},
		PartialExits:     []PartialExit{{Level: 1, Quantity: 0.4, Price: 51500}},
	}
	assert.True(t, p.HasLevel(1))
	assert.False(t, p.HasLevel(2))
	assert.False(t, p.IsVirgin())
	assert.InDelta(t, 0.6, p.RemainingFraction(), 1e-12)
	assert.InDelta(t, 0.4, p.ClosedQuantity(), 1e-12)
	assert.True(t, p.Conserved())
	assert.False(t, p.IsFlat())
	assert.True(t, p.StopHit(49999))
	assert.False(t, p.StopHit(50001))
	assert.InDelta(t, 600, p.UnrealizedPnL(51000), 1e-9)

	p.Quantity = 0.7
	assert.False(t, p.Conserved())

	unset := Position{Side: SideShort}
	assert.True(t, unset.IsVirgin())
	unset.PartialExits = []PartialExit{{Level: 1, Quantity: 0.1, Source: ExitSourceATRPolicy}}
	assert.False(t, unset.IsVirgin(), "an ATR tier close without a ladder level still counts")
	unset.PartialExits = nil
	assert.False(t, unset.StopHit(1e9))
	assert.Equal(t, 1.0, unset.RemainingFraction())
}

func TestPosition_CloneDoesNotAlias(t *testing.T) {
	p := Position{LevelsHit: []int{1}, PartialExits: []PartialExit{{Level: 1}}}
	c := p.Clone()
	c.LevelsHit[0] = 9
	c.PartialExits[0].Level = 9
	assert.Equal(t, 1, p.LevelsHit[0])
	assert.Equal(t, 1, p.PartialExits[0].Level)
}
