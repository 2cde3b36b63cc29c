package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/echolens/echolens/pkg/httpclient"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"

	// Remote embedding models silently degrade past ~8k tokens; local
	// sentence-transformer style models handle far less.
	remoteEmbedTokenLimit = 8000
	localEmbedTokenLimit  = 128
)

// OpenAIProvider speaks the OpenAI chat completions and embeddings wire
// format. It covers OpenAI itself, Azure OpenAI, OpenRouter, and local
// OpenAI-compatible servers, which differ only in URLs and auth headers.
type OpenAIProvider struct {
	name            string
	chatURL         string
	embedURLFor     func(model string) string
	chatHeaders     map[string]string
	embedHeaders    map[string]string
	client          *httpclient.Client
	embedTokenLimit int
	fixedChatModel  string
}

// NewOpenAI builds a provider against api.openai.com.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAIWithBaseURL(apiKey, openAIBaseURL)
}

// NewOpenAIWithBaseURL is NewOpenAI with an overridable base URL, used by
// tests and by gateway-style deployments.
func NewOpenAIWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	return newCompatProvider("openai", baseURL, apiKey, remoteEmbedTokenLimit)
}

// NewOpenRouter builds a provider against openrouter.ai.
func NewOpenRouter(apiKey string) *OpenAIProvider {
	return newCompatProvider("openrouter", openRouterBaseURL, apiKey, remoteEmbedTokenLimit)
}

// NewLocal builds a provider for an OpenAI-compatible server such as Ollama
// or LM Studio listening at address (host:port). No auth is sent.
func NewLocal(address string) *OpenAIProvider {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	p := newCompatProvider("local", strings.TrimSuffix(base, "/")+"/v1", "", localEmbedTokenLimit)
	return p
}

func newCompatProvider(name, baseURL, apiKey string, embedLimit int) *OpenAIProvider {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	base := strings.TrimSuffix(baseURL, "/")
	return &OpenAIProvider{
		name:            name,
		chatURL:         base + "/chat/completions",
		embedURLFor:     func(string) string { return base + "/embeddings" },
		chatHeaders:     headers,
		embedHeaders:    headers,
		client:          httpclient.New(),
		embedTokenLimit: embedLimit,
	}
}

// NewAzure builds a provider for Azure OpenAI. Chat and embedding use
// separate deployments, each configured through its own environment block.
// The embedding block is only required when withEmbedding is true; runs
// that embed locally never touch the Azure embeddings endpoint.
func NewAzure(withEmbedding bool) (*OpenAIProvider, error) {
	chatEndpoint := os.Getenv("AZURE_CHATCOMPLETION_ENDPOINT")
	chatDeployment := os.Getenv("AZURE_CHATCOMPLETION_DEPLOYMENT_NAME")
	chatKey := os.Getenv("AZURE_CHATCOMPLETION_API_KEY")
	chatVersion := os.Getenv("AZURE_CHATCOMPLETION_VERSION")
	if chatEndpoint == "" || chatDeployment == "" || chatKey == "" || chatVersion == "" {
		return nil, fmt.Errorf("azure provider requires AZURE_CHATCOMPLETION_ENDPOINT, " +
			"AZURE_CHATCOMPLETION_DEPLOYMENT_NAME, AZURE_CHATCOMPLETION_API_KEY and AZURE_CHATCOMPLETION_VERSION")
	}

	embedEndpoint := os.Getenv("AZURE_EMBEDDING_ENDPOINT")
	embedDeployment := os.Getenv("AZURE_EMBEDDING_DEPLOYMENT_NAME")
	embedKey := os.Getenv("AZURE_EMBEDDING_API_KEY")
	embedVersion := os.Getenv("AZURE_EMBEDDING_VERSION")
	if withEmbedding && (embedEndpoint == "" || embedDeployment == "" || embedKey == "" || embedVersion == "") {
		return nil, fmt.Errorf("azure provider requires AZURE_EMBEDDING_ENDPOINT, " +
			"AZURE_EMBEDDING_DEPLOYMENT_NAME, AZURE_EMBEDDING_API_KEY and AZURE_EMBEDDING_VERSION " +
			"unless embedding runs locally")
	}

	chatBase := strings.TrimSuffix(chatEndpoint, "/")
	embedBase := strings.TrimSuffix(embedEndpoint, "/")

	p := &OpenAIProvider{
		name: "azure",
		chatURL: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			chatBase, chatDeployment, chatVersion),
		chatHeaders:     map[string]string{"api-key": chatKey},
		embedHeaders:    map[string]string{"api-key": embedKey},
		client:          httpclient.New(),
		embedTokenLimit: remoteEmbedTokenLimit,
		fixedChatModel:  chatDeployment,
	}
	p.embedURLFor = func(string) string {
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			embedBase, embedDeployment, embedVersion)
	}
	return p, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	Seed           *int           `json:"seed,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u apiUsage) toUsage() Usage {
	return Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

// isReasoningModel reports whether the model rejects sampling parameters.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if p.fixedChatModel != "" {
		model = p.fixedChatModel
	}

	payload := chatCompletionRequest{
		Model:    model,
		Messages: req.Messages,
	}
	if !isReasoningModel(model) {
		zero := 0.0
		seed := 0
		payload.Temperature = &zero
		payload.Seed = &seed
	}
	switch {
	case req.Schema != nil:
		payload.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "structured_response",
				"strict": true,
				"schema": req.Schema,
			},
		}
	case req.WantJSON:
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var parsed chatCompletionResponse
	if err := p.post(ctx, p.chatURL, p.chatHeaders, payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s chat response contained no choices", p.name)
	}

	resp := &ChatResponse{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage.toUsage(),
	}
	if req.Schema != nil || req.WantJSON {
		var obj map[string]any
		if err := DecodeJSON(resp.Text, &obj); err == nil {
			resp.JSON = obj
		}
	}
	return resp, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage apiUsage `json:"usage"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, Usage, error) {
	inputs := make([]string, len(texts))
	for i, text := range texts {
		cut, truncated := TruncateTokens(text, p.embedTokenLimit)
		if truncated {
			slog.Warn("truncating embedding input",
				"provider", p.name,
				"limit", p.embedTokenLimit,
				"original_tokens", CountTokens(text),
			)
		}
		inputs[i] = cut
	}

	var parsed embeddingResponse
	payload := embeddingRequest{Model: model, Input: inputs}
	if err := p.post(ctx, p.embedURLFor(model), p.embedHeaders, payload, &parsed); err != nil {
		return nil, Usage{}, err
	}
	if len(parsed.Data) != len(inputs) {
		return nil, Usage{}, fmt.Errorf("%s returned %d embeddings for %d inputs",
			p.name, len(parsed.Data), len(inputs))
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, parsed.Usage.toUsage(), nil
}

func (p *OpenAIProvider) post(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return classify(fmt.Errorf("%s request failed: %w", p.name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", p.name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}
	return nil
}
