package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// geminiMaxHistoryChars bounds the conversation tail carried inside the
// continuation token.
const geminiMaxHistoryChars = 8000

// GeminiConfig configures the Gemini-backed generator.
type GeminiConfig struct {
	APIKey string
	Model  string
	// SystemPrompt is prepended to every call as the system instruction.
	SystemPrompt string
}

// Gemini streams text from the Gemini API. The continuation token it returns
// is a serialized tail of the conversation; callers treat it as opaque.
type Gemini struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

// NewGemini dials the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		client:       client,
		model:        model,
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// geminiTurn is one entry of the serialized conversation tail.
type geminiTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// turnRole maps a stored turn role back onto the API role type. Anything
// other than "model" counts as user input.
func turnRole(role string) genai.Role {
	if role == "model" {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// Stream issues one generation call.
func (g *Gemini) Stream(ctx context.Context, req Request) (*Stream, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gemini generator is not initialized")
	}
	instructions := strings.TrimSpace(req.Instructions)
	if instructions == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	if req.MaxSentences > 0 {
		instructions = fmt.Sprintf("%s\n\nRespond with at most %d sentences.", instructions, req.MaxSentences)
	}

	history := decodeGeminiContinuation(req.Continuation)
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		contents = append(contents, genai.NewContentFromText(turn.Text, turnRole(turn.Role)))
	}
	contents = append(contents, genai.NewContentFromText(instructions, genai.RoleUser))

	var cfg *genai.GenerateContentConfig
	if g.systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
		}
	}

	stream := NewStream()
	go func() {
		defer stream.Finish()

		var reply strings.Builder
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				stream.SetErr(fmt.Errorf("gemini stream: %w", err))
				return
			}
			token := resp.Text()
			if token == "" {
				continue
			}
			reply.WriteString(token)
			if !stream.Push(token) {
				return
			}
		}

		next := append(history,
			geminiTurn{Role: "user", Text: instructions},
			geminiTurn{Role: "model", Text: reply.String()},
		)
		stream.SetContinuation(encodeGeminiContinuation(next))
	}()
	return stream, nil
}

func decodeGeminiContinuation(token string) []geminiTurn {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	var turns []geminiTurn
	if err := json.Unmarshal([]byte(token), &turns); err != nil {
		// A token this generator did not mint; start fresh rather than fail
		// the call.
		return nil
	}
	return turns
}

func encodeGeminiContinuation(turns []geminiTurn) string {
	// Keep only the newest turns that fit the character budget, oldest first.
	total := 0
	start := len(turns)
	for start > 0 && total+len(turns[start-1].Text) <= geminiMaxHistoryChars {
		start--
		total += len(turns[start].Text)
	}
	kept := turns[start:]
	if len(kept) == 0 {
		return ""
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return ""
	}
	return string(raw)
}
