package llms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/echolens/echolens/pkg/httpclient"
	"google.golang.org/genai"
)

// GeminiProvider adapts the Gemini API to the Provider interface. The genai
// SDK does not retry rate limits itself, so the provider runs the shared
// backoff policy around each call, honoring server-advised retry delays.
type GeminiProvider struct {
	client *genai.Client
	policy httpclient.RetryPolicy
}

func NewGemini(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{
		client: client,
		policy: httpclient.DefaultRetryPolicy(),
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0)),
	}

	var userParts []*genai.Part
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
			}
			continue
		}
		userParts = append(userParts, &genai.Part{Text: msg.Content})
	}
	contents := []*genai.Content{{Role: "user", Parts: userParts}}

	if req.Schema != nil {
		if normalized := NormalizeSchema(req.Schema); normalized != nil {
			config.ResponseSchema = toGenaiSchema(normalized)
		}
		config.ResponseMIMEType = "application/json"
	} else if req.WantJSON {
		config.ResponseMIMEType = "application/json"
	}

	var genResp *genai.GenerateContentResponse
	err := p.withRetry(ctx, func() error {
		var callErr error
		genResp, callErr = p.client.Models.GenerateContent(ctx, req.Model, contents, config)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(genResp.Candidates) == 0 || genResp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned an empty response")
	}

	var text strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}

	resp := &ChatResponse{Text: text.String()}
	if genResp.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(genResp.UsageMetadata.TotalTokenCount),
		}
	}
	if req.Schema != nil || req.WantJSON {
		var obj map[string]any
		if err := DecodeJSON(resp.Text, &obj); err == nil {
			resp.JSON = obj
		}
	}
	return resp, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, Usage, error) {
	contents := make([]*genai.Content, len(texts))
	usage := Usage{}
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
		usage.InputTokens += CountTokens(text)
	}
	usage.TotalTokens = usage.InputTokens

	var embResp *genai.EmbedContentResponse
	err := p.withRetry(ctx, func() error {
		var callErr error
		embResp, callErr = p.client.Models.EmbedContent(ctx, model, contents, nil)
		return callErr
	})
	if err != nil {
		return nil, Usage{}, err
	}
	if len(embResp.Embeddings) != len(texts) {
		return nil, Usage{}, fmt.Errorf("gemini returned %d embeddings for %d inputs",
			len(embResp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(embResp.Embeddings))
	for i, emb := range embResp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, usage, nil
}

// withRetry runs call under the rate-limit retry policy. A server-advised
// retry delay acts as a floor on the computed backoff.
func (p *GeminiProvider) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if !isGeminiRateLimit(err) {
			return classifyGemini(err)
		}
		lastErr = fmt.Errorf("%w: %w", ErrRateLimited, err)

		if attempt == p.policy.MaxAttempts-1 {
			break
		}
		delay := p.policy.Delay(attempt, geminiRetryDelay(err))
		slog.Warn("gemini rate limited, retrying",
			"delay", delay,
			"attempt", attempt+1,
			"max_attempts", p.policy.MaxAttempts,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func isGeminiRateLimit(err error) bool {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 429 || apiErr.Code == 503 || apiErr.Status == "RESOURCE_EXHAUSTED"
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case 401, 403:
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	case 400, 422:
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	default:
		return err
	}
}

var retryDelayRe = regexp.MustCompile(`retryDelay"?\s*:?\s*"?(\d+(?:\.\d+)?)s`)

// geminiRetryDelay extracts the server-advised delay from a RESOURCE_EXHAUSTED
// error, or zero when none is present.
func geminiRetryDelay(err error) time.Duration {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	for _, detail := range apiErr.Details {
		if raw, ok := detail["retryDelay"].(string); ok {
			if seconds, parseErr := strconv.ParseFloat(strings.TrimSuffix(raw, "s"), 64); parseErr == nil {
				return time.Duration(seconds * float64(time.Second))
			}
		}
	}
	if m := retryDelayRe.FindStringSubmatch(apiErr.Message); m != nil {
		if seconds, parseErr := strconv.ParseFloat(m[1], 64); parseErr == nil {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return 0
}

// toGenaiSchema converts a JSON schema map to the genai schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
