package session

import (
	"context"
	"sync"
)

// pauseGate blocks sentence delivery while the client has paused. Pause takes
// effect at the next sentence boundary: audio already queued keeps flowing.
type pauseGate struct {
	mu     sync.Mutex
	resume chan struct{} // non-nil while paused
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
}

// Resume releases any waiter. Resuming while not paused is a no-op.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume != nil
}

// Wait blocks until the gate is open or ctx ends.
func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
