// Package protocol defines the duplex message union spoken over the live
// websocket: JSON control and text frames in both directions, plus binary
// frames carrying raw audio for the most recently announced sentence.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError describes a rejected client frame. Malformed frames are
// answered with an error message and dropped; they never end the session.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Client -> server.

// ClientStartSession requests a new streamed session on this connection.
type ClientStartSession struct {
	Type string `json:"type"`
	// Prompt optionally seeds the session's focus ("sleep", "stress", ...).
	Prompt string `json:"prompt,omitempty"`
	// SessionLength in minutes. Unsupported values fall back to the default.
	SessionLength int `json:"session_length,omitempty"`
	// ResumeSessionID resumes a checkpointed session instead of starting
	// fresh.
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// ClientPause suspends delivery before the next sentence's synthesis.
type ClientPause struct {
	Type string `json:"type"`
}

// ClientResume releases a pause.
type ClientResume struct {
	Type string `json:"type"`
}

// ClientEnd cancels the in-flight session and closes the connection.
type ClientEnd struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound JSON frame into its concrete type.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_session":
		var msg ClientStartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_session frame", "")
		}
		if msg.SessionLength < 0 {
			return nil, badRequest("start_session.session_length must be >= 0", "session_length")
		}
		return msg, nil
	case "pause":
		return ClientPause{Type: typ}, nil
	case "resume":
		return ClientResume{Type: typ}, nil
	case "end":
		return ClientEnd{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server -> client.

// ServerSessionStart announces the session id for this connection.
type ServerSessionStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ServerText carries one sentence's caption. The binary audio frames that
// follow, up to the matching sentence_end, belong to this index.
type ServerText struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Index int    `json:"index"`
}

// ServerSentenceEnd marks that all audio for a sentence has been sent.
type ServerSentenceEnd struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// ServerPhaseStart announces entry into a phase.
type ServerPhaseStart struct {
	Type       string `json:"type"`
	Phase      string `json:"phase"`
	PhaseIndex int    `json:"phase_index"`
}

// ServerPhaseTransition announces a forward move between phases.
type ServerPhaseTransition struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// ServerSessionEnd closes out a session, completed or ended early.
type ServerSessionEnd struct {
	Type string `json:"type"`
}

// ServerError reports a failure to the client.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Constructors keep the type tags in one place.

func SessionStart(sessionID string) ServerSessionStart {
	return ServerSessionStart{Type: "session_start", SessionID: sessionID}
}

func Text(data string, index int) ServerText {
	return ServerText{Type: "text", Data: data, Index: index}
}

func SentenceEnd(index int) ServerSentenceEnd {
	return ServerSentenceEnd{Type: "sentence_end", Index: index}
}

func PhaseStart(phase string, phaseIndex int) ServerPhaseStart {
	return ServerPhaseStart{Type: "phase_start", Phase: phase, PhaseIndex: phaseIndex}
}

func PhaseTransition(from, to string) ServerPhaseTransition {
	return ServerPhaseTransition{Type: "phase_transition", From: from, To: to}
}

func SessionEnd() ServerSessionEnd {
	return ServerSessionEnd{Type: "session_end"}
}

func Error(message string) ServerError {
	return ServerError{Type: "error", Message: message}
}
