// Package synth converts one sentence of text into a stream of raw audio
// bytes. Failures are deliberately quiet: a stream that ends after zero
// chunks is a valid outcome, and callers fall back to showing the caption
// without audio rather than failing the session.
package synth

import (
	"context"
	"sync"
	"unicode/utf8"
)

// PreviousContextMaxChars bounds how much prior sentence text is forwarded to
// the synthesis service for prosodic continuity.
const PreviousContextMaxChars = 1000

// Options selects the voice for a synthesis call.
type Options struct {
	Voice      string
	SampleRate int
}

// Synthesizer turns one sentence into streamed audio.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Stream synthesizes text, optionally conditioned on the tail of the
	// previously spoken text. Chunks arrive as the service produces them.
	// On error or cancellation the stream ends without further chunks; the
	// error is observable via Err but is never fatal to the caller.
	Stream(ctx context.Context, text, previousText string, opts Options) *AudioStream
}

// AudioStream carries synthesized audio chunks for one sentence.
type AudioStream struct {
	chunks chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewAudioStream creates a provider-side stream.
func NewAudioStream() *AudioStream {
	return &AudioStream{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Chunks returns the audio chunk channel. It closes when synthesis ends for
// any reason.
func (s *AudioStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err reports why the stream ended early, if it did. Valid after Chunks has
// closed. Callers use it for logging only.
func (s *AudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream from the consumer side.
func (s *AudioStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Push delivers one chunk. Returns false once the consumer is gone.
func (s *AudioStream) Push(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// SetErr records why the stream ended early.
func (s *AudioStream) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Finish closes the chunk channel.
func (s *AudioStream) Finish() {
	s.finishOnce.Do(func() {
		close(s.chunks)
	})
}

// TailForContext returns the last PreviousContextMaxChars runes of text, for
// use as the previous-context hint of the next sentence.
func TailForContext(text string) string {
	if utf8.RuneCountInString(text) <= PreviousContextMaxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[len(runes)-PreviousContextMaxChars:])
}
