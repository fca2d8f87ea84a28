package gen

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mock is a scripted generator for tests and offline development. Each call
// replays the next canned response, split into word-sized tokens.
type Mock struct {
	mu        sync.Mutex
	responses []string
	calls     []Request
	err       error
}

// NewMock returns a generator that replays responses in order. Once they are
// exhausted it repeats the last one.
func NewMock(responses ...string) *Mock {
	return &Mock{responses: responses}
}

// FailWith makes every subsequent call end with err after zero tokens.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Stream(ctx context.Context, req Request) (*Stream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	err := m.err
	var body string
	if len(m.responses) > 0 {
		body = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	call := len(m.calls)
	m.mu.Unlock()

	stream := NewStream()
	go func() {
		defer stream.Finish()
		if err != nil {
			stream.SetErr(err)
			return
		}
		for _, word := range strings.Fields(body) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !stream.Push(word + " ") {
				return
			}
		}
		stream.SetContinuation(fmt.Sprintf("mock-continuation-%d", call))
	}()
	return stream, nil
}
