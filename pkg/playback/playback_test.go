package playback

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type scheduled struct {
	buf Buffer
	at  time.Time
}

type fakeSink struct {
	mu      sync.Mutex
	starts  []scheduled
	paused  int
	resumed int
	closed  bool
}

func (s *fakeSink) Start(buf Buffer, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, scheduled{buf: buf, at: at})
	return nil
}

func (s *fakeSink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused++
	return nil
}

func (s *fakeSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduled, len(s.starts))
	copy(out, s.starts)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pcmFrame builds a raw frame of n samples, every sample set to value.
func pcmFrame(n int, value int16) []byte {
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(value))
	}
	return out
}

func newTestQueue(t *testing.T, clk *fakeClock, sink *fakeSink) *Queue {
	t.Helper()
	q, err := New(Config{Sink: sink, Now: clk.Now, SampleRate: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop() })
	return q
}

func TestPCMDecoder_DurationAndSamples(t *testing.T) {
	d := PCMDecoder{SampleRate: 1000}

	buf, err := d.Decode(pcmFrame(500, 7))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Duration != 500*time.Millisecond {
		t.Fatalf("duration=%v, want 500ms", buf.Duration)
	}
	if len(buf.PCM) != 500 || buf.PCM[0] != 7 {
		t.Fatalf("samples=%d first=%d", len(buf.PCM), buf.PCM[0])
	}

	// A torn trailing byte must not shift later samples.
	buf, err = d.Decode(append(pcmFrame(2, 7), 0x01))
	if err != nil {
		t.Fatalf("Decode torn frame: %v", err)
	}
	if len(buf.PCM) != 2 {
		t.Fatalf("torn frame samples=%d, want 2", len(buf.PCM))
	}
}

func TestQueue_SchedulesGaplessly(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	// 300ms, 200ms, 500ms at 1kHz.
	for _, n := range []int{300, 200, 500} {
		if err := q.Enqueue(pcmFrame(n, 1), ""); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "three scheduled buffers", func() bool { return len(sink.snapshot()) == 3 })

	starts := sink.snapshot()
	t0 := time.Unix(1000, 0)
	want := []time.Time{t0, t0.Add(300 * time.Millisecond), t0.Add(500 * time.Millisecond)}
	for i, s := range starts {
		if !s.at.Equal(want[i]) {
			t.Fatalf("start[%d]=%v, want %v", i, s.at, want[i])
		}
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].at.Sub(starts[i-1].at.Add(starts[i-1].buf.Duration))
		if gap != 0 {
			t.Fatalf("gap of %v between buffers %d and %d", gap, i-1, i)
		}
	}
}

func TestQueue_IdleRestartsFromCurrentTime(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	if err := q.Enqueue(pcmFrame(100, 1), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "first buffer", func() bool { return len(sink.snapshot()) == 1 })

	// The first buffer finished long ago; the next must not be scheduled in
	// the past.
	clk.Advance(10 * time.Second)
	if err := q.Enqueue(pcmFrame(100, 1), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "second buffer", func() bool { return len(sink.snapshot()) == 2 })

	starts := sink.snapshot()
	if !starts[1].at.Equal(time.Unix(1010, 0)) {
		t.Fatalf("start[1]=%v, want now after idle gap", starts[1].at)
	}
}

func TestQueue_PreservesCaptionOrder(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	captions := []string{"Settle in.", "Breathe out.", "Let go."}
	for _, c := range captions {
		if err := q.Enqueue(pcmFrame(10, 1), c); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "all buffers", func() bool { return len(sink.snapshot()) == len(captions) })

	for i, s := range sink.snapshot() {
		if s.buf.Caption != captions[i] {
			t.Fatalf("caption[%d]=%q, want %q", i, s.buf.Caption, captions[i])
		}
	}
}

func TestQueue_PauseHoldsNextBuffer(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	q.Pause()
	if err := q.Enqueue(pcmFrame(100, 1), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("scheduled %d buffers while paused", n)
	}

	q.Resume()
	waitFor(t, "buffer after resume", func() bool { return len(sink.snapshot()) == 1 })

	sink.mu.Lock()
	paused, resumed := sink.paused, sink.resumed
	sink.mu.Unlock()
	if paused != 1 || resumed != 1 {
		t.Fatalf("sink paused=%d resumed=%d", paused, resumed)
	}
}

func TestQueue_ResumeShiftsWatermark(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	if err := q.Enqueue(pcmFrame(1000, 1), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "first buffer", func() bool { return len(sink.snapshot()) == 1 })

	q.Pause()
	clk.Advance(5 * time.Second)
	q.Resume()

	if err := q.Enqueue(pcmFrame(100, 1), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "second buffer", func() bool { return len(sink.snapshot()) == 2 })

	// Watermark was t0+1s; five paused seconds push it to t0+6s.
	starts := sink.snapshot()
	if want := time.Unix(1006, 0); !starts[1].at.Equal(want) {
		t.Fatalf("start[1]=%v, want %v", starts[1].at, want)
	}
}

func TestQueue_StopClosesSinkAndRefusesEnqueue(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	if err := q.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Fatalf("sink not closed")
	}
	if err := q.Enqueue(pcmFrame(10, 1), ""); err == nil {
		t.Fatalf("Enqueue after Stop succeeded")
	}
}

func TestQueue_VoiceGainScalesSamples(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	q.SetVoiceGain(0)
	clk.Advance(DefaultGainRamp) // let the ramp settle

	if err := q.Enqueue(pcmFrame(50, 1000), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "muted buffer", func() bool { return len(sink.snapshot()) == 1 })

	for i, s := range sink.snapshot()[0].buf.PCM {
		if s != 0 {
			t.Fatalf("sample[%d]=%d with muted voice", i, s)
		}
	}
}

func TestQueue_AmbientLoopMixesUnderVoice(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	sink := &fakeSink{}
	q := newTestQueue(t, clk, sink)

	q.SetAmbientLoop([]int16{100, 200})
	q.SetAmbientGain(1)
	clk.Advance(DefaultGainRamp)

	if err := q.Enqueue(pcmFrame(4, 1000), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "mixed buffer", func() bool { return len(sink.snapshot()) == 1 })

	got := sink.snapshot()[0].buf.PCM
	want := []int16{1100, 1200, 1100, 1200}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample[%d]=%d, want %d", i, got[i], want[i])
		}
	}
}

func TestGainRamp_Interpolates(t *testing.T) {
	t0 := time.Unix(1000, 0)
	g := newGainRamp(1.0)

	g.Set(0, t0, 100*time.Millisecond)
	if v := g.At(t0); v != 1.0 {
		t.Fatalf("At(start)=%v", v)
	}
	if v := g.At(t0.Add(50 * time.Millisecond)); v < 0.49 || v > 0.51 {
		t.Fatalf("At(mid)=%v, want ~0.5", v)
	}
	if v := g.At(t0.Add(100 * time.Millisecond)); v != 0 {
		t.Fatalf("At(end)=%v", v)
	}

	// A second ramp starts from the interpolated value, not the old target.
	g.Set(1, t0.Add(50*time.Millisecond), 100*time.Millisecond)
	if v := g.At(t0.Add(50 * time.Millisecond)); v < 0.49 || v > 0.51 {
		t.Fatalf("restart At=%v, want ~0.5", v)
	}
	if v := g.At(t0.Add(200 * time.Millisecond)); v != 1 {
		t.Fatalf("final At=%v, want 1", v)
	}
}
