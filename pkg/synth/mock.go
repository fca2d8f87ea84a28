package synth

import (
	"context"
	"sync"
)

// MockCall records one synthesis request seen by the mock.
type MockCall struct {
	Text         string
	PreviousText string
	Voice        string
}

// Mock yields a fixed number of canned chunks per sentence. With Fail set it
// ends every stream after zero chunks, exercising the caption-only fallback.
type Mock struct {
	mu       sync.Mutex
	calls    []MockCall
	chunk    []byte
	perCall  int
	failWith error
}

// NewMock returns a synthesizer that emits perCall copies of chunk for every
// sentence.
func NewMock(chunk []byte, perCall int) *Mock {
	if perCall <= 0 {
		perCall = 1
	}
	return &Mock{chunk: chunk, perCall: perCall}
}

// FailWith makes subsequent streams end silently with err recorded.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Stream(ctx context.Context, text, previousText string, opts Options) *AudioStream {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Text: text, PreviousText: previousText, Voice: opts.Voice})
	failWith := m.failWith
	chunk := m.chunk
	perCall := m.perCall
	m.mu.Unlock()

	stream := NewAudioStream()
	go func() {
		defer stream.Finish()
		if failWith != nil {
			stream.SetErr(failWith)
			return
		}
		for i := 0; i < perCall; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			out := make([]byte, len(chunk))
			copy(out, chunk)
			if !stream.Push(out) {
				return
			}
		}
	}()
	return stream
}
