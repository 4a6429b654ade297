// ABOUTME: Duplicate-submission guard with a TTL window and bounded memory.
// ABOUTME: Repeats of a remembered key inside the window are rejected by the gateway.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered submission. Entries live in a list kept in
// recency order so pruning only ever inspects the front.
type entry struct {
	key string
	at  time.Time
}

// Guard remembers submission keys for a TTL window so a question repeated
// in quick succession is rejected instead of generated twice. Expired and
// over-capacity entries are pruned whenever the guard is touched; there is
// no background sweeper and nothing to shut down.
type Guard struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

// New returns a guard with the given duplicate window and entry capacity.
func New(window time.Duration, capacity int) *Guard {
	return &Guard{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Duplicate reports whether key was remembered inside the window. An
// entry found expired is dropped on the spot.
func (g *Guard) Duplicate(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	elem, ok := g.entries[key]
	if !ok {
		return false
	}
	if time.Since(elem.Value.(*entry).at) >= g.window {
		g.drop(elem)
		return false
	}
	return true
}

// Remember records key as seen now, refreshing it if already present.
func (g *Guard) Remember(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if elem, ok := g.entries[key]; ok {
		elem.Value.(*entry).at = now
		g.order.MoveToBack(elem)
	} else {
		g.entries[key] = g.order.PushBack(&entry{key: key, at: now})
	}
	g.prune(now)
}

// prune evicts from the front: everything outside the window first, then
// the oldest survivors until the guard fits its capacity. Must be called
// with mu held.
func (g *Guard) prune(now time.Time) {
	for front := g.order.Front(); front != nil; front = g.order.Front() {
		if now.Sub(front.Value.(*entry).at) < g.window {
			break
		}
		g.drop(front)
	}
	for g.order.Len() > g.capacity {
		g.drop(g.order.Front())
	}
}

// drop removes one entry from both indexes. Must be called with mu held.
func (g *Guard) drop(elem *list.Element) {
	delete(g.entries, elem.Value.(*entry).key)
	g.order.Remove(elem)
}
