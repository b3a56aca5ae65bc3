package ladder

import (
	"slices"
	"sort"
	"sync"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Tracker is an in-memory index of ladder progress per symbol. It is a
// cache over the Position records: the positions themselves remain the
// source of truth and Rehydrate rebuilds an entry from one of them.
type Tracker struct {
	mu       sync.RWMutex
	ctrl     *Controller
	levels   map[string][]int
	fallback map[string]bool
}

// NewTracker returns an empty Tracker. ctrl is used to decide whether a
// rehydrated position has abandoned its ladder.
func NewTracker(ctrl *Controller) *Tracker {
	return &Tracker{
		ctrl:     ctrl,
		levels:   make(map[string][]int),
		fallback: make(map[string]bool),
	}
}

// Start begins tracking a freshly opened position with no history.
func (t *Tracker) Start(symbol string) {
	t.mu.Lock()
	t.levels[symbol] = []int{}
	delete(t.fallback, symbol)
	t.mu.Unlock()
}

// Rehydrate replaces the entry for pos.Symbol with state derived from pos:
// the levels it has consumed and, for a position that has closed nothing,
// whether the controller would fall back to a single take-profit once the
// first level is reached. It reports the derived fallback state.
func (t *Tracker) Rehydrate(pos domain.Position) bool {
	levels := append([]int{}, pos.LevelsHit...)
	sort.Ints(levels)

	fallback := false
	if t.ctrl != nil && pos.IsVirgin() && !pos.IsFlat() {
		if targets := t.ctrl.TargetPrices(pos); len(targets) > 0 {
			fallback = t.ctrl.EvaluateDetailed(pos, targets[0]).Fallback
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.levels[pos.Symbol] = levels
	if fallback {
		t.fallback[pos.Symbol] = true
	} else {
		delete(t.fallback, pos.Symbol)
	}
	return fallback
}

// Record marks level as consumed for symbol.
func (t *Tracker) Record(symbol string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.levels[symbol], level) {
		return
	}
	cp := append(append([]int{}, t.levels[symbol]...), level)
	sort.Ints(cp)
	t.levels[symbol] = cp
}

// Levels returns the consumed levels for symbol.
func (t *Tracker) Levels(symbol string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]int{}, t.levels[symbol]...)
}

// Consistent reports whether the tracked levels for pos.Symbol match
// pos.LevelsHit.
func (t *Tracker) Consistent(pos domain.Position) bool {
	want := append([]int{}, pos.LevelsHit...)
	sort.Ints(want)
	t.mu.RLock()
	defer t.mu.RUnlock()
	got, ok := t.levels[pos.Symbol]
	return ok && slices.Equal(got, want)
}

// Tracked reports whether symbol has any state.
func (t *Tracker) Tracked(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.levels[symbol]
	return ok || t.fallback[symbol]
}

// MarkFallback records that symbol abandoned its ladder.
func (t *Tracker) MarkFallback(symbol string) {
	t.mu.Lock()
	t.fallback[symbol] = true
	t.mu.Unlock()
}

// InFallback reports whether symbol abandoned its ladder.
func (t *Tracker) InFallback(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fallback[symbol]
}

// Reset forgets symbol entirely.
func (t *Tracker) Reset(symbol string) {
	t.mu.Lock()
	delete(t.levels, symbol)
	delete(t.fallback, symbol)
	t.mu.Unlock()
}
