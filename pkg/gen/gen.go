// Package gen defines the text-generation contract the orchestrator consumes:
// a request carrying instructions and an opaque continuation token, answered
// by a stream of text tokens plus a fresh continuation token on completion.
package gen

import (
	"context"
	"sync"
)

// Request is one generation call.
type Request struct {
	// Instructions for this call; the orchestrator composes them from the
	// phase script and the wind-down hint.
	Instructions string
	// Continuation is the opaque token returned by the previous call, empty
	// for the first call of a session. Providers use it to resume context
	// without the caller resending history.
	Continuation string
	// MaxSentences caps the length of the response. Providers treat it as a
	// soft target; the caller enforces the hard budget.
	MaxSentences int
}

// Generator produces a token stream for a request.
type Generator interface {
	// Name returns the provider identifier.
	Name() string

	// Stream starts a generation call. Tokens arrive on the stream as the
	// provider produces them; the continuation token is available once the
	// token channel has closed.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream carries generated text tokens. Providers push with Push/Finish;
// consumers range over Tokens and then read Err and Continuation.
type Stream struct {
	tokens chan string
	done   chan struct{}

	mu           sync.Mutex
	err          error
	continuation string

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewStream creates a provider-side stream.
func NewStream() *Stream {
	return &Stream{
		tokens: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Tokens returns the channel of text tokens. It closes when the call ends,
// successfully or not.
func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

// Err returns the terminal error, if any. Valid after Tokens has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Continuation returns the token for chaining the next call. Valid after
// Tokens has closed; empty when the provider has nothing to chain.
func (s *Stream) Continuation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuation
}

// Close abandons the stream; pending Push calls unblock and drop.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Push delivers one token. Returns false once the consumer has closed the
// stream.
func (s *Stream) Push(token string) bool {
	select {
	case s.tokens <- token:
		return true
	case <-s.done:
		return false
	}
}

// SetContinuation records the continuation token for the completed call.
func (s *Stream) SetContinuation(token string) {
	s.mu.Lock()
	s.continuation = token
	s.mu.Unlock()
}

// SetErr records the terminal error.
func (s *Stream) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Finish closes the token channel. Providers call it exactly once, after the
// continuation token and any error have been recorded.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() {
		close(s.tokens)
	})
}
