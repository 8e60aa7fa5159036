package extract

import (
	"context"
	"sync"
)

// runGuard is the process-wide document-id → in-progress map. It is not
// crash-durable: a restart releases every slot, leaving interrupted documents
// in PROCESSING for the stale-reset path. Single-instance deployments only.
type runGuard struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newRunGuard() *runGuard {
	return &runGuard{active: make(map[string]context.CancelFunc)}
}

// acquire claims the slot for a document. Returns false if a run already
// holds it.
func (g *runGuard) acquire(documentID string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[documentID]; busy {
		return false
	}
	g.active[documentID] = cancel
	return true
}

// release frees the slot. Safe to call for a document that holds none.
func (g *runGuard) release(documentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, documentID)
}

// cancel triggers the administrative cancel for a running document. Returns
// false if no run holds the slot.
func (g *runGuard) cancel(documentID string) bool {
	g.mu.Lock()
	cancel, ok := g.active[documentID]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// holds reports whether a run currently owns the document slot.
func (g *runGuard) holds(documentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[documentID]
	return ok
}
