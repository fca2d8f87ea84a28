// Package bus publishes session lifecycle events to NATS for downstream
// consumers (analytics, history, companion devices). The publisher is
// optional: a nil *Publisher is safe to call and does nothing.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "wellness.session"

// Event is one session lifecycle record.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // started | phase | completed | failed
	Phase     string    `json:"phase,omitempty"`
	Sentences int       `json:"sentences,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher wraps a NATS connection.
type Publisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials NATS. An empty URL disables publishing and returns nil with
// no error.
func Connect(url string, log *slog.Logger) (*Publisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("wellness-sessiond"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to nats", "url", url)
	return &Publisher{conn: conn, log: log}, nil
}

// Publish sends one event. Failures are logged, never returned: lifecycle
// publishing is best-effort and must not affect the session.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := subjectPrefix + "." + ev.Kind
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn("publish session event failed", "subject", subject, "error", err)
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
	p.conn.Close()
}
