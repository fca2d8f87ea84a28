// Package config loads gateway settings from WELLNESS_* environment
// variables, with validated defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// SSE fallback streaming.
	SSEPingInterval      time.Duration
	SSEMaxStreamDuration time.Duration

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSReadTimeout       time.Duration
	LiveMaxSessionDuration  time.Duration
	LiveOutboundQueueSize   int

	// Session content.
	ScriptPath       string
	MinSentenceChars int

	// Generation upstream.
	GeminiAPIKey string
	GeminiModel  string

	// Synthesis upstream.
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	TTSSampleRate     int

	// Optional collaborators.
	CheckpointDSN string
	NATSURL       string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("WELLNESS_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("WELLNESS_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]struct{}),
		MaxBodyBytes:            envInt64Or("WELLNESS_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:      make(map[string]struct{}),
		SSEPingInterval:         envDurationOr("WELLNESS_SSE_PING_INTERVAL", 15*time.Second),
		SSEMaxStreamDuration:    envDurationOr("WELLNESS_SSE_MAX_DURATION", 45*time.Minute),
		LiveMaxJSONMessageBytes: envInt64Or("WELLNESS_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:      envDurationOr("WELLNESS_LIVE_WS_PING_INTERVAL", 30*time.Second),
		LiveWSWriteTimeout:      envDurationOr("WELLNESS_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:       envDurationOr("WELLNESS_LIVE_WS_READ_TIMEOUT", 90*time.Second),
		LiveMaxSessionDuration:  envDurationOr("WELLNESS_LIVE_MAX_SESSION_DURATION", 2*time.Hour),
		LiveOutboundQueueSize:   envIntOr("WELLNESS_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		ScriptPath:              envOr("WELLNESS_SCRIPT_FILE", ""),
		MinSentenceChars:        envIntOr("WELLNESS_MIN_SENTENCE_CHARS", 40),
		GeminiAPIKey:            envOr("WELLNESS_GEMINI_API_KEY", ""),
		GeminiModel:             envOr("WELLNESS_GEMINI_MODEL", ""),
		ElevenLabsAPIKey:        envOr("WELLNESS_ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL:       envOr("WELLNESS_ELEVENLABS_BASE_URL", ""),
		TTSSampleRate:           envIntOr("WELLNESS_TTS_SAMPLE_RATE", 24000),
		CheckpointDSN:           envOr("WELLNESS_CHECKPOINT_DSN", ""),
		NATSURL:                 envOr("WELLNESS_NATS_URL", ""),
		ReadHeaderTimeout:       envDurationOr("WELLNESS_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("WELLNESS_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("WELLNESS_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("WELLNESS_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("WELLNESS_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("WELLNESS_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_MAX_BODY_BYTES must be > 0")
	}
	if cfg.SSEPingInterval <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.SSEMaxStreamDuration <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_SSE_MAX_DURATION must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MinSentenceChars <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_MIN_SENTENCE_CHARS must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("WELLNESS_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("WELLNESS_API_KEYS must be set when WELLNESS_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
