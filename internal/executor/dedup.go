package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Dedup suppresses a second close for the same position, source and level
// while the first is in flight or shortly after it filled. It covers the
// window where an order filled but the position update has not landed yet.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewDedup creates a Dedup whose entries expire after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// closeKey scopes the key to the position ID when there is one, so a new
// position on the same symbol is not blocked by its predecessor's closes.
func closeKey(pos domain.Position, instr domain.PartialCloseInstruction) string {
	src := instr.Source
	if src == "" {
		src = domain.ExitSourceLadder
	}
	key := fmt.Sprintf("%s:%s:%d", instr.Symbol, src, instr.Level)
	if pos.ID != "" {
		key = pos.ID + "/" + key
	}
	return key
}

// Begin claims key. It returns false if key was claimed within the TTL.
func (d *Dedup) Begin(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

// Forget releases key after a failed close so the next tick may retry.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Cleanup drops expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}
