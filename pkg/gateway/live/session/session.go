// Package session runs one live connection: it owns the websocket, starts
// the orchestrator when the client asks for a session, and relays sentence
// captions and synthesized audio frames in order. All writes go through a
// single outbound writer with a priority lane for control frames.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/bus"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/live/protocol"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/orchestrator"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/synth"
)

type Config struct {
	MaxJSONMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	OutboundQueueSize   int
	MinSentenceChars    int
	TTSSampleRate       int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Generator gen.Generator
	Synth     synth.Synthesizer
	Script    script.Script

	// Checkpointer is optional; without it resume requests are rejected.
	Checkpointer orchestrator.Checkpointer
	// Events is optional.
	Events *bus.Publisher

	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
}

// LiveSession handles one websocket connection for its whole lifetime. A
// connection carries at most one session.
type LiveSession struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	generator    gen.Generator
	synthesizer  synth.Synthesizer
	script       script.Script
	checkpointer orchestrator.Checkpointer
	events       *bus.Publisher
	sessionID    string
	requestID    string
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	gate pauseGate
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Synth == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if err := deps.Script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = newSessionID()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		generator:        deps.Generator,
		synthesizer:      deps.Synth,
		script:           deps.Script,
		checkpointer:     deps.Checkpointer,
		events:           deps.Events,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("sess_%d", time.Now().UnixNano())
	}
	return "sess_" + hex.EncodeToString(b[:])
}

// SessionID returns the id announced to the client.
func (s *LiveSession) SessionID() string {
	return s.sessionID
}

// Cancel ends the session from outside, for example during server drain.
func (s *LiveSession) Cancel() {
	s.cancel()
}

// Run drives the connection until the client ends the session, the session
// completes or fails, or the socket drops.
func (s *LiveSession) Run() error {
	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var (
		started       bool
		sessionCancel context.CancelFunc
		relayDoneCh   chan error
		wg            sync.WaitGroup
	)
	// Cancel before waiting: the relay can be blocked on a full outbound
	// queue or a pause, and only cancellation unblocks it once the writer
	// has quit.
	defer func() {
		if sessionCancel != nil {
			sessionCancel()
		}
		s.cancel()
		s.gate.Resume()
		wg.Wait()
	}()

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}
	relayDone := func() <-chan error {
		return relayDoneCh
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case <-sessionTimerCh():
			_ = s.sendPriorityJSON(protocol.Error("maximum session duration reached"))
			_ = s.sendPriorityJSON(protocol.SessionEnd())
			s.publish("failed", "", "maximum session duration reached")
			return flushAndClose()
		case err := <-relayDone():
			relayDoneCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				s.publish("failed", "", err.Error())
			} else {
				s.publish("completed", "", "")
			}
			_ = s.sendPriorityJSON(protocol.SessionEnd())
			return flushAndClose()
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return nil
			}
			if frame.messageType == websocket.BinaryMessage {
				_ = s.sendPriorityJSON(protocol.Error("binary frames are not accepted"))
				continue
			}

			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				_ = s.sendPriorityJSON(protocol.Error(decErr.Error()))
				continue
			}
			switch m := msg.(type) {
			case protocol.ClientStartSession:
				if started {
					_ = s.sendPriorityJSON(protocol.Error("session already started on this connection"))
					continue
				}
				run, err := s.buildOrchestrator(m)
				if err != nil {
					_ = s.sendPriorityJSON(protocol.Error(err.Error()))
					continue
				}
				started = true
				if err := s.sendJSON(protocol.SessionStart(s.sessionID)); err != nil {
					return err
				}
				s.publish("started", string(run.State().Phase), "")

				sessionCtx, cancel := context.WithCancel(s.ctx)
				sessionCancel = cancel
				events := make(chan orchestrator.Event, 64)
				relayDoneCh = make(chan error, 1)
				wg.Add(2)
				go func() {
					defer wg.Done()
					run.Run(sessionCtx, events)
				}()
				go func(done chan<- error) {
					defer wg.Done()
					done <- s.relay(sessionCtx, events)
				}(relayDoneCh)
			case protocol.ClientPause:
				if started {
					s.gate.Pause()
				}
			case protocol.ClientResume:
				s.gate.Resume()
			case protocol.ClientEnd:
				if sessionCancel != nil {
					sessionCancel()
				}
				s.gate.Resume()
				_ = s.sendPriorityJSON(protocol.SessionEnd())
				if started {
					s.publish("completed", "", "")
				}
				return flushAndClose()
			}
		}
	}
}

func (s *LiveSession) buildOrchestrator(m protocol.ClientStartSession) (*orchestrator.Orchestrator, error) {
	minutes := script.NormalizeSessionMinutes(m.SessionLength)
	sessionScript := s.script
	if prompt := strings.TrimSpace(m.Prompt); prompt != "" {
		sessionScript = sessionScript.WithFocus(prompt)
	}

	var resume *orchestrator.RunState
	if id := strings.TrimSpace(m.ResumeSessionID); id != "" {
		if s.checkpointer == nil {
			return nil, fmt.Errorf("session resume is not available")
		}
		state, found, err := s.checkpointer.Load(s.ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %q: %w", id, err)
		}
		if !found {
			return nil, fmt.Errorf("unknown session %q", id)
		}
		s.sessionID = id
		resume = &state
	}

	return orchestrator.New(orchestrator.Config{
		SessionID:        s.sessionID,
		Script:           sessionScript,
		Budgets:          sessionScript.ComputeBudgets(minutes),
		Generator:        s.generator,
		MinSentenceChars: s.cfg.MinSentenceChars,
		Checkpointer:     s.checkpointer,
		Logger:           s.logger,
		Resume:           resume,
	})
}

// relay turns orchestrator events into wire frames. Each sentence becomes a
// caption, then its audio frames, then sentence_end. When synthesis fails the
// sentence is delivered caption-only and the session keeps going.
func (s *LiveSession) relay(ctx context.Context, events <-chan orchestrator.Event) error {
	var lastSpoken string
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventPhaseStart:
			if err := s.sendJSON(protocol.PhaseStart(string(ev.Phase), ev.PhaseIndex)); err != nil {
				return err
			}
		case orchestrator.EventPhaseTransition:
			s.publish("phase", string(ev.To), "")
			if err := s.sendJSON(protocol.PhaseTransition(string(ev.From), string(ev.To))); err != nil {
				return err
			}
		case orchestrator.EventSentence:
			if err := s.gate.Wait(ctx); err != nil {
				return err
			}
			if err := s.deliverSentence(ctx, ev, lastSpoken); err != nil {
				return err
			}
			lastSpoken = synth.TailForContext(strings.TrimSpace(lastSpoken + " " + ev.Sentence))
		case orchestrator.EventSessionComplete:
			return nil
		case orchestrator.EventError:
			_ = s.sendPriorityJSON(protocol.Error("session generation failed"))
			return ev.Err
		}
	}
	return ctx.Err()
}

func (s *LiveSession) deliverSentence(ctx context.Context, ev orchestrator.Event, previousText string) error {
	if err := s.sendJSON(protocol.Text(ev.Sentence, ev.Index)); err != nil {
		return err
	}

	stream := s.synthesizer.Stream(ctx, ev.Sentence, previousText, synth.Options{
		Voice:      s.script.Voice,
		SampleRate: s.cfg.TTSSampleRate,
	})
	defer stream.Close()

	frames := 0
	for chunk := range stream.Chunks() {
		if err := s.sendBinary(chunk); err != nil {
			return err
		}
		frames++
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		// Caption-only fallback: the text already went out, so the client can
		// still show the sentence.
		s.logger.Warn("synthesis failed, delivering caption only",
			"session_id", s.sessionID,
			"sentence_index", ev.Index,
			"error", err,
		)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug("sentence delivered",
		"session_id", s.sessionID,
		"sentence_index", ev.Index,
		"audio_frames", frames,
	)
	return s.sendJSON(protocol.SentenceEnd(ev.Index))
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		frame := inboundFrame{messageType: messageType, data: data, err: err}
		select {
		case out <- frame:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *LiveSession) sendJSON(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	return s.enqueue(s.outboundNormal, outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendPriorityJSON(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	return s.enqueue(s.outboundPriority, outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendBinary(data []byte) error {
	return s.enqueue(s.outboundNormal, outboundFrame{binaryPayload: data})
}

func (s *LiveSession) enqueue(lane chan outboundFrame, frame outboundFrame) error {
	select {
	case lane <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *LiveSession) publish(kind, phase, errMsg string) {
	s.events.Publish(bus.Event{
		SessionID: s.sessionID,
		Kind:      kind,
		Phase:     phase,
		Error:     errMsg,
		At:        s.now().UTC(),
	})
}
