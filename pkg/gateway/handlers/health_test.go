package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func readyConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeDisabled,
		MaxBodyBytes:         1 << 20,
		GeminiAPIKey:         "g",
		ElevenLabsAPIKey:     "e",
		SSEPingInterval:      15 * time.Second,
		SSEMaxStreamDuration: 5 * time.Minute,
		ReadHeaderTimeout:    10 * time.Second,
		ReadTimeout:          30 * time.Second,
	}
}

func TestReadyHandler_OK(t *testing.T) {
	cfg := readyConfig()
	cfg.CheckpointDSN = "postgres://localhost/wellness"

	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OK                 bool     `json:"ok"`
		CheckpointsEnabled bool     `json:"checkpoints_enabled"`
		EventsEnabled      bool     `json:"events_enabled"`
		Issues             []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || len(resp.Issues) != 0 {
		t.Fatalf("resp=%+v", resp)
	}
	if !resp.CheckpointsEnabled || resp.EventsEnabled {
		t.Fatalf("feature flags=%+v", resp)
	}
}

func TestReadyHandler_ReportsMissingKeys(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	cfg.ElevenLabsAPIKey = ""

	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}

	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Issues) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
}
