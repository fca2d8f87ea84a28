// Package orchestrator drives a session phase by phase: it issues generation
// calls, slices the streamed text into sentences, and yields ordered
// sentence and phase-lifecycle events until the script is complete.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/chunker"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
)

// EventType discriminates orchestrator events.
type EventType string

const (
	EventPhaseStart      EventType = "phase_start"
	EventSentence        EventType = "sentence"
	EventPhaseTransition EventType = "phase_transition"
	EventSessionComplete EventType = "session_complete"
	EventError           EventType = "error"
)

// Event is one ordered occurrence in a session run. Sentence events carry
// strictly increasing global indices with no gaps or repeats.
type Event struct {
	Type EventType

	// Phase and PhaseIndex are set on phase_start and sentence events.
	Phase      script.Phase
	PhaseIndex int

	// From and To are set on phase_transition events.
	From script.Phase
	To   script.Phase

	// Sentence and Index are set on sentence events.
	Sentence string
	Index    int

	// Err is set on error events.
	Err error
}

// RunState is the mutable per-session state, owned exclusively by one
// orchestrator instance.
type RunState struct {
	SessionID        string       `json:"session_id"`
	Phase            script.Phase `json:"phase"`
	SentencesInPhase int          `json:"sentences_in_phase"`
	TotalSentences   int          `json:"total_sentences"`
	Continuation     string       `json:"continuation"`
}

// Checkpointer persists run state after each phase transition. Writes are
// best-effort; failures are logged and never end the run.
type Checkpointer interface {
	Save(ctx context.Context, state RunState) error
	Load(ctx context.Context, sessionID string) (RunState, bool, error)
}

// Config assembles an orchestrator.
type Config struct {
	SessionID string
	Script    script.Script
	Budgets   map[script.Phase]script.Budget
	Generator gen.Generator

	// MinSentenceChars is the chunker accumulation threshold; zero uses the
	// chunker default.
	MinSentenceChars int

	// Checkpointer is optional.
	Checkpointer Checkpointer

	Logger *slog.Logger

	// Resume, when set, starts the run from a previously checkpointed state
	// instead of the first phase.
	Resume *RunState
}

// Orchestrator runs one session. Its methods must not be called concurrently;
// one instance owns one session id.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	state  RunState
	buffer string
}

// New validates the config and builds an orchestrator positioned at the first
// phase (or the resumed phase).
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if err := cfg.Script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	if len(cfg.Budgets) == 0 {
		return nil, fmt.Errorf("budgets are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := RunState{
		SessionID: cfg.SessionID,
		Phase:     script.Phases[0],
	}
	if cfg.Resume != nil {
		if !script.Valid(cfg.Resume.Phase) {
			return nil, fmt.Errorf("resume state has unknown phase %q", cfg.Resume.Phase)
		}
		state = *cfg.Resume
		state.SessionID = cfg.SessionID
	}
	return &Orchestrator{cfg: cfg, logger: logger, state: state}, nil
}

// State returns a snapshot of the run state.
func (o *Orchestrator) State() RunState {
	return o.state
}

// Run drives the session to completion, emitting events on out. It closes out
// before returning. Cancellation ends the run silently; a generation failure
// emits one error event and ends the run.
func (o *Orchestrator) Run(ctx context.Context, out chan<- Event) {
	defer close(out)
	for {
		more, err := o.Step(ctx, out)
		if err != nil || !more {
			return
		}
	}
}

// Step runs the current phase: phase-start event, the main generation call,
// an optional wind-down call, then the phase transition. It reports whether
// another phase remains. The error event for a failed generation call has
// already been emitted when Step returns a non-nil error; a canceled context
// returns ctx.Err() with no events.
func (o *Orchestrator) Step(ctx context.Context, out chan<- Event) (more bool, err error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	phase := o.state.Phase
	budget := o.cfg.Budgets[phase]
	spec := o.cfg.Script.Phases[phase]

	if !o.emit(ctx, out, Event{Type: EventPhaseStart, Phase: phase, PhaseIndex: script.IndexOf(phase)}) {
		return false, ctx.Err()
	}

	// Main call, sized to stop short of the wind-down threshold.
	if want := budget.WindDownAt - o.state.SentencesInPhase; want > 0 {
		if err := o.generate(ctx, spec.Instructions, want, budget.SentenceBudget, phase, out); err != nil {
			return false, o.fail(ctx, out, err)
		}
	}

	// Wind-down call for the remainder of the budget. The hint for a
	// non-final phase steers tone without announcing an ending, so the
	// generator does not close the session prematurely.
	if remaining := budget.SentenceBudget - o.state.SentencesInPhase; remaining > 0 {
		instructions := spec.Instructions
		if strings.TrimSpace(spec.WindDownHint) != "" {
			instructions = instructions + "\n\n" + spec.WindDownHint
		}
		if err := o.generate(ctx, instructions, remaining, budget.SentenceBudget, phase, out); err != nil {
			return false, o.fail(ctx, out, err)
		}
	}

	o.flushBuffer(ctx, phase, budget.SentenceBudget, out)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	next, ok := script.Next(phase)
	if !ok {
		o.checkpoint(ctx)
		if !o.emit(ctx, out, Event{Type: EventSessionComplete}) {
			return false, ctx.Err()
		}
		return false, nil
	}

	o.state.Phase = next
	o.state.SentencesInPhase = 0
	o.buffer = ""
	o.checkpoint(ctx)

	if !o.emit(ctx, out, Event{Type: EventPhaseTransition, From: phase, To: next}) {
		return false, ctx.Err()
	}
	return true, nil
}

// generate issues one generation call and feeds the streamed tokens through
// the chunker, emitting a sentence event per completed sentence. It stops
// early once cap sentences have been emitted in the phase.
func (o *Orchestrator) generate(ctx context.Context, instructions string, want, phaseCap int, phase script.Phase, out chan<- Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	stream, err := o.cfg.Generator.Stream(ctx, gen.Request{
		Instructions: instructions,
		Continuation: o.state.Continuation,
		MaxSentences: want,
	})
	if err != nil {
		return fmt.Errorf("generation call: %w", err)
	}
	defer stream.Close()

	for token := range stream.Tokens() {
		o.buffer += token
		complete, remainder := chunker.Split(o.buffer, o.cfg.MinSentenceChars)
		o.buffer = remainder
		for _, sentence := range complete {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !o.emitSentence(ctx, phase, sentence, out) {
				return ctx.Err()
			}
			if o.state.SentencesInPhase >= phaseCap {
				// Budget reached: abandon the rest of the call. The tokens
				// already buffered are dropped with it.
				o.buffer = ""
				return nil
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("generation stream: %w", err)
	}
	if token := stream.Continuation(); strings.TrimSpace(token) != "" {
		o.state.Continuation = token
	}
	return ctx.Err()
}

// flushBuffer emits whatever trailing text the chunker held back, as one
// final sentence, budget permitting.
func (o *Orchestrator) flushBuffer(ctx context.Context, phase script.Phase, phaseCap int, out chan<- Event) {
	tail := strings.TrimSpace(o.buffer)
	o.buffer = ""
	if tail == "" || ctx.Err() != nil {
		return
	}
	if o.state.SentencesInPhase >= phaseCap {
		return
	}
	o.emitSentence(ctx, phase, tail, out)
}

func (o *Orchestrator) emitSentence(ctx context.Context, phase script.Phase, sentence string, out chan<- Event) bool {
	ok := o.emit(ctx, out, Event{
		Type:       EventSentence,
		Phase:      phase,
		PhaseIndex: script.IndexOf(phase),
		Sentence:   sentence,
		Index:      o.state.TotalSentences,
	})
	if !ok {
		return false
	}
	o.state.SentencesInPhase++
	o.state.TotalSentences++
	return true
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail converts a generation failure into a single error event. Cancellation
// is passed through untouched and produces no event.
func (o *Orchestrator) fail(ctx context.Context, out chan<- Event, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.logger.Error("generation failed",
		"session_id", o.state.SessionID,
		"phase", string(o.state.Phase),
		"error", err,
	)
	o.emit(ctx, out, Event{Type: EventError, Err: err})
	return err
}

func (o *Orchestrator) checkpoint(ctx context.Context) {
	if o.cfg.Checkpointer == nil {
		return
	}
	if err := o.cfg.Checkpointer.Save(ctx, o.state); err != nil {
		o.logger.Warn("checkpoint write failed",
			"session_id", o.state.SessionID,
			"phase", string(o.state.Phase),
			"error", err,
		)
	}
}
