package gen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	for token := range s.Tokens() {
		out = append(out, token)
	}
	return out
}

func TestMock_ReplaysResponsesInOrder(t *testing.T) {
	m := NewMock("First reply.", "Second reply.")

	s, err := m.Stream(context.Background(), Request{Instructions: "go"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := strings.Join(collect(t, s), ""); strings.TrimSpace(got) != "First reply." {
		t.Fatalf("first call=%q", got)
	}
	if s.Err() != nil {
		t.Fatalf("unexpected stream error: %v", s.Err())
	}
	if s.Continuation() == "" {
		t.Fatalf("no continuation after clean stream")
	}

	s, err = m.Stream(context.Background(), Request{Instructions: "go"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := strings.Join(collect(t, s), ""); strings.TrimSpace(got) != "Second reply." {
		t.Fatalf("second call=%q", got)
	}

	// Exhausted responses repeat the last one.
	s, _ = m.Stream(context.Background(), Request{Instructions: "go"})
	if got := strings.Join(collect(t, s), ""); strings.TrimSpace(got) != "Second reply." {
		t.Fatalf("third call=%q", got)
	}
}

func TestMock_FailWithEndsStreamAfterZeroTokens(t *testing.T) {
	m := NewMock("never seen")
	wantErr := errors.New("upstream exploded")
	m.FailWith(wantErr)

	s, err := m.Stream(context.Background(), Request{Instructions: "go"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if tokens := collect(t, s); len(tokens) != 0 {
		t.Fatalf("tokens=%v, want none", tokens)
	}
	if !errors.Is(s.Err(), wantErr) {
		t.Fatalf("Err=%v", s.Err())
	}
	if s.Continuation() != "" {
		t.Fatalf("continuation set on failed stream")
	}
}

func TestMock_RecordsRequests(t *testing.T) {
	m := NewMock("ok")
	_, _ = m.Stream(context.Background(), Request{Instructions: "a", Continuation: "tok", MaxSentences: 5})

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls=%d", len(calls))
	}
	if calls[0].Continuation != "tok" || calls[0].MaxSentences != 5 {
		t.Fatalf("call=%+v", calls[0])
	}
}

func TestStream_CloseUnblocksProducer(t *testing.T) {
	s := NewStream()
	blocked := make(chan bool, 1)
	go func() {
		// Fill the buffer, then block on the next push until Close.
		for s.Push("x") {
		}
		blocked <- true
	}()
	_ = s.Close()
	if ok := <-blocked; !ok {
		t.Fatalf("producer did not unblock after Close")
	}
}

func TestTurnRole(t *testing.T) {
	cases := []struct {
		in   string
		want genai.Role
	}{
		{"model", genai.RoleModel},
		{"user", genai.RoleUser},
		{"", genai.RoleUser},
	}
	for _, tc := range cases {
		if got := turnRole(tc.in); got != tc.want {
			t.Fatalf("turnRole(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGeminiContinuation_RoundTrips(t *testing.T) {
	turns := []geminiTurn{
		{Role: "user", Text: "Guide a body scan."},
		{Role: "model", Text: "Let your attention settle at the crown of your head."},
	}
	token := encodeGeminiContinuation(turns)
	if token == "" {
		t.Fatalf("empty token")
	}

	got := decodeGeminiContinuation(token)
	if len(got) != 2 || got[0] != turns[0] || got[1] != turns[1] {
		t.Fatalf("decoded=%+v", got)
	}
}

func TestGeminiContinuation_ForeignTokenStartsFresh(t *testing.T) {
	if got := decodeGeminiContinuation("mock-continuation-3"); got != nil {
		t.Fatalf("decoded=%+v, want nil", got)
	}
	if got := decodeGeminiContinuation("  "); got != nil {
		t.Fatalf("decoded=%+v, want nil", got)
	}
}

func TestGeminiContinuation_DropsOldestTurnsOverBudget(t *testing.T) {
	big := strings.Repeat("a", geminiMaxHistoryChars-10)
	turns := []geminiTurn{
		{Role: "user", Text: "old turn that must be dropped"},
		{Role: "model", Text: big},
	}
	got := decodeGeminiContinuation(encodeGeminiContinuation(turns))
	if len(got) != 1 || got[0].Text != big {
		t.Fatalf("kept %d turns", len(got))
	}
}
