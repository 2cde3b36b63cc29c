package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting returned by every successful provider call.
// Total may exceed Input+Output when the provider reports it directly.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ChatRequest describes one chat completion call. When both WantJSON and
// Schema are set, Schema wins.
type ChatRequest struct {
	Messages []Message
	Model    string
	WantJSON bool
	Schema   map[string]any
}

// ChatResponse carries the provider output. JSON is populated when structured
// output was requested and the response parsed cleanly; Text always holds the
// raw text so callers can run their own recovery.
type ChatResponse struct {
	Text  string
	JSON  map[string]any
	Usage Usage
}

// Provider is a chat + embedding backend. Implementations handle their own
// rate-limit retries; other failures surface to the caller.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string, model string) ([][]float32, Usage, error)
	Name() string
}

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think\b[^>]*>.*?</think>`)
	codeFenceRe  = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// StripReasoning removes <think>...</think> wrappers that reasoning models
// prepend to their output.
func StripReasoning(text string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
}

// DecodeJSON parses a model response into v. If the raw text fails to parse,
// it strips reasoning wrappers and markdown code fences and tries once more.
func DecodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	cleaned := StripReasoning(text)
	if m := codeFenceRe.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	return nil
}
