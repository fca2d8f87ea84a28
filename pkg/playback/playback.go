// Package playback schedules decoded audio for gapless client playback. A
// single consumer goroutine decodes frames in arrival order and hands each
// buffer to the sink at max(now, watermark), advancing the watermark by the
// buffer's duration so consecutive buffers play back to back with no gap and
// no overlap.
package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// DefaultSampleRate matches the synthesis service's PCM output.
const DefaultSampleRate = 24000

// DefaultGainRamp is how long a gain change takes to settle.
const DefaultGainRamp = 50 * time.Millisecond

// Buffer is one decoded playback entry: PCM samples plus the caption shown
// while it plays.
type Buffer struct {
	PCM      []int16
	Caption  string
	Duration time.Duration
}

// Decoder turns one raw audio frame into a playable buffer.
type Decoder interface {
	Decode(raw []byte) (Buffer, error)
}

// PCMDecoder decodes 16-bit little-endian mono PCM.
type PCMDecoder struct {
	SampleRate int
}

func (d PCMDecoder) Decode(raw []byte) (Buffer, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if len(raw)%2 != 0 {
		// A torn frame would shift every later sample by a byte.
		raw = raw[:len(raw)-1]
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(rate)
	return Buffer{PCM: samples, Duration: dur}, nil
}

// Sink receives mixed buffers with an explicit start time. Start is called
// from a single goroutine, strictly in playback order.
type Sink interface {
	Start(buf Buffer, at time.Time) error
	Pause() error
	Resume() error
	Close() error
}

// Config assembles a Queue.
type Config struct {
	Sink    Sink
	Decoder Decoder

	// SampleRate is used for ambient loop positioning; zero uses the default.
	SampleRate int

	// QueueSize bounds how many undecoded frames Enqueue may buffer.
	QueueSize int

	// Now is injectable for tests.
	Now func() time.Time
}

type entry struct {
	raw     []byte
	caption string
}

// Queue is the client playback queue. One Queue serves one session; after
// Stop it cannot be restarted.
type Queue struct {
	sink    Sink
	decoder Decoder
	now     func() time.Time
	rate    int

	ctx    context.Context
	cancel context.CancelFunc

	in   chan entry
	done chan struct{}

	voice   *gainRamp
	ambient *gainRamp

	mu         sync.Mutex
	watermark  time.Time
	pausedAt   time.Time
	paused     bool
	resumeCh   chan struct{}
	ambientPCM []int16
	ambientPos int
	err        error
	stopOnce   sync.Once
}

// New builds a queue and starts its consumer goroutine.
func New(cfg Config) (*Queue, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	decoder := cfg.Decoder
	if decoder == nil {
		decoder = PCMDecoder{SampleRate: cfg.SampleRate}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:    cfg.Sink,
		decoder: decoder,
		now:     now,
		rate:    rate,
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan entry, size),
		done:    make(chan struct{}),
		voice:   newGainRamp(1.0),
		ambient: newGainRamp(0.0),
	}
	go q.run()
	return q, nil
}

// Enqueue submits one raw audio frame with its caption. Frames play in
// exactly the order they were enqueued. Blocks once the queue is full.
func (q *Queue) Enqueue(raw []byte, caption string) error {
	if len(raw) == 0 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	select {
	case q.in <- entry{raw: out, caption: caption}:
		return nil
	case <-q.ctx.Done():
		return fmt.Errorf("playback queue is stopped")
	}
}

// Pause suspends the sink's clock. Buffers already decoded stay queued; the
// consumer blocks before scheduling the next one.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = true
	q.pausedAt = q.now()
	q.resumeCh = make(chan struct{})
	q.mu.Unlock()
	_ = q.sink.Pause()
}

// Resume releases a pause. The watermark shifts by the paused duration so
// queued buffers stay gapless rather than bursting to catch up.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	pausedFor := q.now().Sub(q.pausedAt)
	if pausedFor > 0 && !q.watermark.IsZero() {
		q.watermark = q.watermark.Add(pausedFor)
	}
	ch := q.resumeCh
	q.resumeCh = nil
	q.mu.Unlock()

	_ = q.sink.Resume()
	if ch != nil {
		close(ch)
	}
}

// Stop tears playback down and closes the sink. The queue is not reusable.
func (q *Queue) Stop() error {
	var err error
	q.stopOnce.Do(func() {
		q.cancel()
		q.Resume()
		<-q.done
		err = q.sink.Close()
	})
	return err
}

// Err reports why the consumer stopped early, if it did.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// SetVoiceGain ramps the voice layer to level over DefaultGainRamp.
func (q *Queue) SetVoiceGain(level float64) {
	q.voice.Set(level, q.now(), DefaultGainRamp)
}

// SetAmbientGain ramps the ambient layer to level over DefaultGainRamp.
func (q *Queue) SetAmbientGain(level float64) {
	q.ambient.Set(level, q.now(), DefaultGainRamp)
}

// SetAmbientLoop installs a looping background track, mixed under the voice
// at the ambient layer's gain. Pass nil to remove it.
func (q *Queue) SetAmbientLoop(pcm []int16) {
	q.mu.Lock()
	q.ambientPCM = pcm
	q.ambientPos = 0
	q.mu.Unlock()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case e := <-q.in:
			if err := q.play(e); err != nil {
				q.mu.Lock()
				q.err = err
				q.mu.Unlock()
				q.cancel()
				return
			}
		}
	}
}

func (q *Queue) play(e entry) error {
	buf, err := q.decoder.Decode(e.raw)
	if err != nil {
		return fmt.Errorf("decode audio frame: %w", err)
	}
	buf.Caption = e.caption

	if !q.waitResumed() {
		return nil
	}

	q.mu.Lock()
	start := q.now()
	if q.watermark.After(start) {
		start = q.watermark
	}
	q.mix(&buf, start)
	q.watermark = start.Add(buf.Duration)
	q.mu.Unlock()

	if err := q.sink.Start(buf, start); err != nil {
		return fmt.Errorf("schedule buffer: %w", err)
	}
	return nil
}

// waitResumed blocks while paused. Returns false if the queue stopped.
func (q *Queue) waitResumed() bool {
	for {
		q.mu.Lock()
		ch := q.resumeCh
		q.mu.Unlock()
		if ch == nil {
			return true
		}
		select {
		case <-ch:
		case <-q.ctx.Done():
			return false
		}
	}
}

// mix applies the ramped voice gain and folds in the ambient loop. Caller
// holds q.mu.
func (q *Queue) mix(buf *Buffer, start time.Time) {
	n := len(buf.PCM)
	if n == 0 {
		return
	}
	end := start.Add(buf.Duration)
	v0 := q.voice.At(start)
	v1 := q.voice.At(end)
	a0 := q.ambient.At(start)
	a1 := q.ambient.At(end)

	plain := v0 == 1 && v1 == 1 && len(q.ambientPCM) == 0
	if plain {
		return
	}

	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n)
		sample := float64(buf.PCM[i]) * (v0 + (v1-v0)*frac)
		if len(q.ambientPCM) > 0 {
			sample += float64(q.ambientPCM[q.ambientPos]) * (a0 + (a1-a0)*frac)
			q.ambientPos = (q.ambientPos + 1) % len(q.ambientPCM)
		}
		buf.PCM[i] = clampSample(sample)
	}
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
