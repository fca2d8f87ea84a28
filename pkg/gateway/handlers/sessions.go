package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/bus"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/apierror"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/lifecycle"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/mw"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/sse"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/orchestrator"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/synth"
)

// restSession is one server-held session on the REST fallback surface. The
// orchestrator inside is single-owner; busy serializes concurrent /next calls.
type restSession struct {
	busy sync.Mutex
	orch *orchestrator.Orchestrator
}

// SessionStore holds REST sessions between calls.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*restSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*restSession)}
}

func (s *SessionStore) put(id string, sess *restSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

func (s *SessionStore) get(id string) (*restSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Count returns the number of held sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionsHandler serves the REST fallback surface: clients that cannot hold
// a websocket create a session, pull one phase at a time over SSE, and
// synthesize sentences individually.
type SessionsHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Script       script.Script
	Generator    gen.Generator
	Synth        synth.Synthesizer
	Checkpointer orchestrator.Checkpointer
	Events       *bus.Publisher
	Lifecycle    *lifecycle.Lifecycle
	Store        *SessionStore
}

type createSessionRequest struct {
	Prompt          string `json:"prompt"`
	SessionLength   int    `json:"session_length"`
	ResumeSessionID string `json:"resume_session_id"`
}

type createSessionResponse struct {
	ID             string                         `json:"id"`
	SessionLength  int                            `json:"session_length"`
	TotalSentences int                            `json:"total_sentences"`
	Budgets        map[script.Phase]script.Budget `json:"budgets"`
	Phase          script.Phase                   `json:"phase"`
	Resumed        bool                           `json:"resumed"`
}

// Create handles POST /v1/sessions.
func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.Lifecycle.IsDraining() {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrUpstream,
			Message:   "server is draining",
			RequestID: reqID,
		})
		return
	}

	var req createSessionRequest
	if err := h.readJSON(w, r, &req); err != nil {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   err.Error(),
			RequestID: reqID,
		})
		return
	}
	if req.SessionLength < 0 {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   "session_length must not be negative",
			Param:     "session_length",
			RequestID: reqID,
		})
		return
	}

	minutes := script.NormalizeSessionMinutes(req.SessionLength)
	sessionScript := h.Script.WithFocus(req.Prompt)
	budgets := sessionScript.ComputeBudgets(minutes)

	var (
		sessionID = newSessionID()
		resume    *orchestrator.RunState
	)
	if id := strings.TrimSpace(req.ResumeSessionID); id != "" {
		if h.Checkpointer == nil {
			apierror.Write(w, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   "session resume is not available",
				Param:     "resume_session_id",
				RequestID: reqID,
			})
			return
		}
		state, found, err := h.Checkpointer.Load(r.Context(), id)
		if err != nil {
			h.Logger.Error("checkpoint load failed", "request_id", reqID, "session_id", id, "error", err)
			apierror.Write(w, &apierror.Error{
				Type:      apierror.ErrUpstream,
				Message:   "checkpoint lookup failed",
				RequestID: reqID,
			})
			return
		}
		if !found {
			apierror.Write(w, &apierror.Error{
				Type:      apierror.ErrNotFound,
				Message:   fmt.Sprintf("no checkpoint for session %q", id),
				Param:     "resume_session_id",
				RequestID: reqID,
			})
			return
		}
		sessionID = id
		resume = &state
	}

	orch, err := orchestrator.New(orchestrator.Config{
		SessionID:        sessionID,
		Script:           sessionScript,
		Budgets:          budgets,
		Generator:        h.Generator,
		MinSentenceChars: h.Config.MinSentenceChars,
		Checkpointer:     h.Checkpointer,
		Logger:           h.Logger,
		Resume:           resume,
	})
	if err != nil {
		h.Logger.Error("session setup failed", "request_id", reqID, "error", err)
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrAPI,
			Message:   "could not create session",
			RequestID: reqID,
		})
		return
	}

	h.Store.put(sessionID, &restSession{orch: orch})
	h.Events.Publish(bus.Event{SessionID: sessionID, Kind: "started"})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{
		ID:             sessionID,
		SessionLength:  minutes,
		TotalSentences: script.TotalSentences(budgets),
		Budgets:        budgets,
		Phase:          orch.State().Phase,
		Resumed:        resume != nil,
	})
}

// Next handles POST /v1/sessions/{id}/next: it runs exactly one phase of the
// session and streams its events over SSE.
func (h SessionsHandler) Next(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	sess, ok := h.Store.get(id)
	if !ok {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrNotFound,
			Message:   fmt.Sprintf("unknown session %q", id),
			Param:     "id",
			RequestID: reqID,
		})
		return
	}
	if !sess.busy.TryLock() {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrConflict,
			Message:   "a phase is already running for this session",
			RequestID: reqID,
		})
		return
	}
	defer sess.busy.Unlock()

	sw, err := sse.New(w)
	if err != nil {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrAPI,
			Message:   "streaming is not supported on this connection",
			RequestID: reqID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Config.SSEMaxStreamDuration)
	defer cancel()

	type stepResult struct {
		more bool
		err  error
	}
	events := make(chan orchestrator.Event, 16)
	resultCh := make(chan stepResult, 1)
	go func() {
		more, err := sess.orch.Step(ctx, events)
		close(events)
		resultCh <- stepResult{more: more, err: err}
	}()

	ping := h.Config.SSEPingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain the step goroutine before returning.
			for range events {
			}
			<-resultCh
			return
		case <-ticker.C:
			if err := sw.Ping(); err != nil {
				cancel()
			}
		case ev, open := <-events:
			if !open {
				res := <-resultCh
				h.finishStep(id, sw, res.more, res.err)
				return
			}
			if err := h.sendEvent(sw, ev); err != nil {
				cancel()
			}
		}
	}
}

// finishStep closes out one /next call: it emits the terminal SSE event and
// releases the session once it has either completed or failed.
func (h SessionsHandler) finishStep(id string, sw *sse.Writer, more bool, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		// The error event has already been streamed; release the session so
		// the id cannot be stepped again.
		h.Store.remove(id)
		h.Events.Publish(bus.Event{SessionID: id, Kind: "failed", Error: err.Error()})
		return
	}
	_ = sw.Send("done", map[string]any{"more": more})
	if more {
		h.Events.Publish(bus.Event{SessionID: id, Kind: "phase"})
		return
	}
	h.Store.remove(id)
	h.Events.Publish(bus.Event{SessionID: id, Kind: "completed"})
}

func (h SessionsHandler) sendEvent(sw *sse.Writer, ev orchestrator.Event) error {
	switch ev.Type {
	case orchestrator.EventPhaseStart:
		return sw.Send("phase_start", map[string]any{
			"phase":       string(ev.Phase),
			"phase_index": ev.PhaseIndex,
		})
	case orchestrator.EventSentence:
		return sw.Send("sentence", map[string]any{
			"data":  ev.Sentence,
			"index": ev.Index,
			"phase": string(ev.Phase),
		})
	case orchestrator.EventPhaseTransition:
		return sw.Send("phase_transition", map[string]any{
			"from": string(ev.From),
			"to":   string(ev.To),
		})
	case orchestrator.EventError:
		return sw.Send("error", map[string]any{
			"message": "session generation failed",
		})
	case orchestrator.EventSessionComplete:
		// Folded into the final done event.
		return nil
	}
	return nil
}

type synthesizeRequest struct {
	Text         string `json:"text"`
	PreviousText string `json:"previous_text"`
}

// Synthesize handles POST /v1/sessions/{id}/synthesize: raw audio for one
// sentence, streamed as it is produced.
func (h SessionsHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	if _, ok := h.Store.get(id); !ok {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrNotFound,
			Message:   fmt.Sprintf("unknown session %q", id),
			Param:     "id",
			RequestID: reqID,
		})
		return
	}

	var req synthesizeRequest
	if err := h.readJSON(w, r, &req); err != nil {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   err.Error(),
			RequestID: reqID,
		})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   "text is required",
			Param:     "text",
			RequestID: reqID,
		})
		return
	}

	stream := h.Synth.Stream(r.Context(), req.Text, req.PreviousText, synth.Options{
		Voice:      h.Script.Voice,
		SampleRate: h.Config.TTSSampleRate,
	})
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	wrote := false
	for chunk := range stream.Chunks() {
		if !wrote {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Audio-Sample-Rate", fmt.Sprintf("%d", h.Config.TTSSampleRate))
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := stream.Err(); err != nil && !wrote {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.Logger.Warn("synthesis failed", "request_id", reqID, "session_id", id, "error", err)
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrUpstream,
			Message:   "audio synthesis failed",
			RequestID: reqID,
		})
		return
	}
	if !wrote {
		// Zero chunks with no error: an empty but successful synthesis.
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
	}
}

// Delete handles DELETE /v1/sessions/{id}.
func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	if !h.Store.remove(id) {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrNotFound,
			Message:   fmt.Sprintf("unknown session %q", id),
			Param:     "id",
			RequestID: reqID,
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SessionsHandler) readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "sess_00000000"
	}
	return "sess_" + hex.EncodeToString(b)
}
