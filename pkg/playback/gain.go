package playback

import (
	"sync"
	"time"
)

// gainRamp is a gain level that moves linearly from its current value to a
// target over a ramp window, so level changes never step audibly.
type gainRamp struct {
	mu    sync.Mutex
	from  float64
	to    float64
	start time.Time
	ramp  time.Duration
}

func newGainRamp(level float64) *gainRamp {
	return &gainRamp{from: level, to: level}
}

// Set begins a ramp from the level at time at toward target.
func (g *gainRamp) Set(target float64, at time.Time, ramp time.Duration) {
	if target < 0 {
		target = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.from = g.valueAt(at)
	g.to = target
	g.start = at
	g.ramp = ramp
}

// At returns the level at time t.
func (g *gainRamp) At(t time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valueAt(t)
}

// valueAt is At without locking. Caller holds g.mu.
func (g *gainRamp) valueAt(t time.Time) float64 {
	if g.ramp <= 0 || !t.Before(g.start.Add(g.ramp)) {
		return g.to
	}
	if t.Before(g.start) {
		return g.from
	}
	frac := float64(t.Sub(g.start)) / float64(g.ramp)
	return g.from + (g.to-g.from)*frac
}
