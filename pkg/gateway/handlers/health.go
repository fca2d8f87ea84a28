package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                 bool     `json:"ok"`
		AuthMode           string   `json:"auth_mode"`
		CheckpointsEnabled bool     `json:"checkpoints_enabled"`
		EventsEnabled      bool     `json:"events_enabled"`
		Issues             []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "generation api key is not configured")
	}
	if h.Config.ElevenLabsAPIKey == "" {
		issues = append(issues, "synthesis api key is not configured")
	}
	if h.Config.SSEPingInterval <= 0 || h.Config.SSEMaxStreamDuration <= 0 {
		issues = append(issues, "sse intervals must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                 ok,
		AuthMode:           string(h.Config.AuthMode),
		CheckpointsEnabled: h.Config.CheckpointDSN != "",
		EventsEnabled:      h.Config.NATSURL != "",
		Issues:             issues,
	})
}
