package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
)

func testBudgets(perPhase, windDown int) map[script.Phase]script.Budget {
	out := make(map[script.Phase]script.Budget, len(script.Phases))
	for _, p := range script.Phases {
		out[p] = script.Budget{SentenceBudget: perPhase, WindDownAt: windDown}
	}
	return out
}

func runToCompletion(t *testing.T, o *Orchestrator) []Event {
	t.Helper()
	out := make(chan Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(context.Background(), out)
	}()
	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return events
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	saves []RunState
}

func (r *recordingCheckpointer) Save(_ context.Context, state RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, state)
	return nil
}

func (r *recordingCheckpointer) Load(context.Context, string) (RunState, bool, error) {
	return RunState{}, false, nil
}

func TestRun_SentenceIndicesAreContiguous(t *testing.T) {
	g := gen.NewMock("A slow breath settles the body. Another breath follows it down.")
	o, err := New(Config{
		SessionID:        "sess_test",
		Script:           script.Default(),
		Budgets:          testBudgets(2, 1),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := runToCompletion(t, o)

	wantIndex := 0
	lastPhase := -1
	sawComplete := false
	for _, ev := range events {
		switch ev.Type {
		case EventSentence:
			if ev.Index != wantIndex {
				t.Fatalf("sentence index=%d, want %d", ev.Index, wantIndex)
			}
			wantIndex++
			if ev.PhaseIndex < lastPhase {
				t.Fatalf("sentence in phase %d after phase %d", ev.PhaseIndex, lastPhase)
			}
			lastPhase = ev.PhaseIndex
		case EventSessionComplete:
			sawComplete = true
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if wantIndex != 2*len(script.Phases) {
		t.Fatalf("total sentences=%d, want %d", wantIndex, 2*len(script.Phases))
	}
	if !sawComplete {
		t.Fatal("missing session_complete")
	}
	if events[len(events)-1].Type != EventSessionComplete {
		t.Fatalf("last event=%s, want session_complete", events[len(events)-1].Type)
	}
}

func TestRun_TransitionsSitBetweenPhases(t *testing.T) {
	g := gen.NewMock("Only one calm sentence arrives each call.")
	o, err := New(Config{
		Script:           script.Default(),
		Budgets:          testBudgets(2, 1),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := runToCompletion(t, o)

	transitions := 0
	for i, ev := range events {
		if ev.Type != EventPhaseTransition {
			continue
		}
		transitions++
		if script.IndexOf(ev.To) != script.IndexOf(ev.From)+1 {
			t.Fatalf("transition %s -> %s is not forward", ev.From, ev.To)
		}
		// The next content-bearing event must be the start of the next phase.
		if i+1 >= len(events) || events[i+1].Type != EventPhaseStart || events[i+1].Phase != ev.To {
			t.Fatalf("transition to %s not followed by its phase_start", ev.To)
		}
	}
	if transitions != len(script.Phases)-1 {
		t.Fatalf("transitions=%d, want %d", transitions, len(script.Phases)-1)
	}
}

func TestRun_WindDownCallCarriesHint(t *testing.T) {
	g := gen.NewMock("A single settling sentence for every call made.")
	o, err := New(Config{
		Script:           script.Default(),
		Budgets:          testBudgets(2, 1),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, o)

	calls := g.Calls()
	// Two calls per phase: main then wind-down.
	if len(calls) != 2*len(script.Phases) {
		t.Fatalf("calls=%d, want %d", len(calls), 2*len(script.Phases))
	}
	hint := script.Default().Phases[script.PhaseIntroduction].WindDownHint
	if !strings.Contains(calls[1].Instructions, hint) {
		t.Fatalf("wind-down call missing hint: %q", calls[1].Instructions)
	}
	if strings.Contains(calls[0].Instructions, hint) {
		t.Fatal("main call unexpectedly carries the wind-down hint")
	}
}

func TestRun_ContinuationThreadsAcrossCalls(t *testing.T) {
	g := gen.NewMock("One quiet line is produced here.")
	o, err := New(Config{
		Script:           script.Default(),
		Budgets:          testBudgets(2, 1),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, o)

	calls := g.Calls()
	if calls[0].Continuation != "" {
		t.Fatalf("first call continuation=%q, want empty", calls[0].Continuation)
	}
	for i := 1; i < len(calls); i++ {
		if calls[i].Continuation == "" {
			t.Fatalf("call %d has no continuation token", i)
		}
	}
	if calls[1].Continuation != "mock-continuation-1" {
		t.Fatalf("call 1 continuation=%q", calls[1].Continuation)
	}
}

func TestRun_GenerationFailureEmitsSingleErrorEvent(t *testing.T) {
	g := gen.NewMock("irrelevant")
	g.FailWith(errors.New("upstream unavailable"))
	o, err := New(Config{
		Script:           script.Default(),
		Budgets:          testBudgets(2, 1),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := runToCompletion(t, o)

	errEvents := 0
	for _, ev := range events {
		switch ev.Type {
		case EventError:
			errEvents++
		case EventSentence, EventSessionComplete:
			t.Fatalf("unexpected %s event after failure", ev.Type)
		}
	}
	if errEvents != 1 {
		t.Fatalf("error events=%d, want 1", errEvents)
	}
}

func TestRun_CancellationStopsSilently(t *testing.T) {
	g := gen.NewMock("First calm sentence lands. Second calm sentence lands. Third calm sentence lands.")
	o, err := New(Config{
		Script:           script.Default(),
		Budgets:          testBudgets(3, 2),
		Generator:        g,
		MinSentenceChars: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx, out)
	}()

	// Cancel after the first sentence arrives.
	var after []Event
	for ev := range out {
		if ev.Type == EventSentence {
			cancel()
		}
		if ev.Type == EventError {
			t.Fatalf("cancellation surfaced as error: %v", ev.Err)
		}
		after = append(after, ev)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	for _, ev := range after {
		if ev.Type == EventSessionComplete {
			t.Fatal("session_complete emitted after cancellation")
		}
	}
}

func TestRun_CheckpointsAfterEveryTransition(t *testing.T) {
	g := gen.NewMock("Settle in and breathe out slowly now.")
	ck := &recordingCheckpointer{}
	o, err := New(Config{
		SessionID:        "sess_ck",
		Script:           script.Default(),
		Budgets:          testBudgets(1, 0),
		Generator:        g,
		MinSentenceChars: 1,
		Checkpointer:     ck,
	})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, o)

	if len(ck.saves) != len(script.Phases) {
		t.Fatalf("checkpoint saves=%d, want %d", len(ck.saves), len(script.Phases))
	}
	for _, s := range ck.saves {
		if s.SessionID != "sess_ck" {
			t.Fatalf("checkpoint session id=%q", s.SessionID)
		}
	}
}

func TestNew_ResumeFromCheckpoint(t *testing.T) {
	g := gen.NewMock("A short steady line to close with.")
	o, err := New(Config{
		SessionID:        "sess_resume",
		Script:           script.Default(),
		Budgets:          testBudgets(1, 0),
		Generator:        g,
		MinSentenceChars: 1,
		Resume: &RunState{
			Phase:          script.PhaseClosing,
			TotalSentences: 40,
			Continuation:   "prior-token",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := runToCompletion(t, o)

	for _, ev := range events {
		if ev.Type == EventPhaseStart && ev.Phase != script.PhaseClosing {
			t.Fatalf("resumed run started phase %s", ev.Phase)
		}
		if ev.Type == EventSentence && ev.Index < 40 {
			t.Fatalf("resumed sentence index=%d, want >= 40", ev.Index)
		}
	}
	if g.Calls()[0].Continuation != "prior-token" {
		t.Fatalf("resume continuation=%q", g.Calls()[0].Continuation)
	}
}
