package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/bus"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/apierror"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/lifecycle"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/live/session"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/live/sessions"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/mw"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/orchestrator"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/synth"
)

// LiveHandler upgrades /v1/live requests to websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Script       script.Script
	Generator    gen.Generator
	Synth        synth.Synthesizer
	Checkpointer orchestrator.Checkpointer
	Events       *bus.Publisher
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   "method not allowed",
			RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrUpstream,
			Message:   "server is draining",
			RequestID: reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, &apierror.Error{
			Type:      apierror.ErrAuthentication,
			Message:   "origin is not allowed",
			Param:     "Origin",
			RequestID: reqID,
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	live, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       h.Logger,
		Generator:    h.Generator,
		Synth:        h.Synth,
		Script:       h.Script,
		Checkpointer: h.Checkpointer,
		Events:       h.Events,
		RequestID:    reqID,
		Config: session.Config{
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			PingInterval:        h.Config.LiveWSPingInterval,
			WriteTimeout:        h.Config.LiveWSWriteTimeout,
			ReadTimeout:         h.Config.LiveWSReadTimeout,
			MaxSessionDuration:  h.Config.LiveMaxSessionDuration,
			OutboundQueueSize:   h.Config.LiveOutboundQueueSize,
			MinSentenceChars:    h.Config.MinSentenceChars,
			TTSSampleRate:       h.Config.TTSSampleRate,
		},
	})
	if err != nil {
		h.Logger.Error("live session setup failed", "request_id", reqID, "error", err)
		return
	}

	unregister := h.LiveSessions.Register(live.SessionID(), live.Cancel)
	defer unregister()

	if err := live.Run(); err != nil {
		h.Logger.Warn("live session ended with error",
			"request_id", reqID,
			"session_id", live.SessionID(),
			"error", err,
		)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients.
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
