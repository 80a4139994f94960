package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	openAIDefaultTimeout = 15 * time.Second
	defaultOpenAIModel   = "gpt-4o-mini"
	maxHistoryTurns      = 5
)

const systemPrompt = `You are a signage design consultant for a sign fabrication studio. ` +
	`You help customers refine ideas for storefront signs: sign type (neon, channel letters, ` +
	`box sign, blade, monument, pylon), materials, mounting, lighting and environment. ` +
	`Respond strictly with JSON matching this schema: ` +
	`{"reply":string,"suggested_prompt":string,"suggested_adapters":[{"name":string,"weight":number}]}. ` +
	`The suggested_prompt must be a complete text-to-image prompt. Only suggest adapters ` +
	`from the provided inventory, as "domain/name" identifiers.`

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Fallback   Assistant
	OnFallback func(reason string, err error)
	// Inventory lists the adapter identifiers the model may suggest.
	Inventory func() []string
}

// OpenAIAssistant talks to an OpenAI-compatible chat completions endpoint.
// Any failure falls back to the static assistant so /chat never errors out
// just because the upstream model is unavailable.
type OpenAIAssistant struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	fallback   Assistant
	onFallback func(reason string, err error)
	inventory  func() []string
}

func NewOpenAIAssistant(opts OpenAIOptions) (*OpenAIAssistant, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAIAssistant{
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
		baseURL:    baseURL,
		client:     client,
		fallback:   opts.Fallback,
		onFallback: opts.OnFallback,
		inventory:  opts.Inventory,
	}, nil
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []Message     `json:"messages"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat *formatObject `json:"response_format,omitempty"`
}

type formatObject struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelChatPayload struct {
	Reply             string             `json:"reply"`
	SuggestedPrompt   string             `json:"suggested_prompt"`
	SuggestedAdapters []SuggestedAdapter `json:"suggested_adapters"`
}

func (a *OpenAIAssistant) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := []Message{{Role: "system", Content: a.systemMessage()}}
	history := req.History
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: req.Message})

	payload := chatCompletionRequest{
		Model:          a.model,
		Messages:       messages,
		Temperature:    0.6,
		ResponseFormat: &formatObject{Type: "json_object"},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return a.useFallback(ctx, req, "encode_request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", &buf)
	if err != nil {
		return a.useFallback(ctx, req, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return a.useFallback(ctx, req, "http_request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return a.useFallback(ctx, req, fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("openai status %d", resp.StatusCode))
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return a.useFallback(ctx, req, "decode_response", err)
	}
	if len(out.Choices) == 0 {
		return a.useFallback(ctx, req, "empty_choices", errors.New("no choices"))
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return a.useFallback(ctx, req, "empty_response", errors.New("empty response"))
	}

	parsed, err := parseModelPayload(text)
	if err != nil {
		return a.useFallback(ctx, req, "parse_payload", err)
	}
	if parsed.Reply == "" {
		return a.useFallback(ctx, req, "empty_reply", errors.New("payload without reply"))
	}
	return &ChatResponse{
		Reply:             parsed.Reply,
		SuggestedPrompt:   parsed.SuggestedPrompt,
		SuggestedAdapters: a.filterInventory(parsed.SuggestedAdapters),
		Provider:          openAIProviderName,
	}, nil
}

func (a *OpenAIAssistant) systemMessage() string {
	if a.inventory == nil {
		return systemPrompt
	}
	names := a.inventory()
	if len(names) == 0 {
		return systemPrompt
	}
	return systemPrompt + " Available adapters: " + strings.Join(names, ", ") + "."
}

// filterInventory drops suggestions for adapters the registry does not
// have, so the response never references something /generate would reject.
func (a *OpenAIAssistant) filterInventory(suggested []SuggestedAdapter) []SuggestedAdapter {
	if a.inventory == nil {
		return suggested
	}
	known := map[string]struct{}{}
	for _, name := range a.inventory() {
		known[name] = struct{}{}
	}
	var out []SuggestedAdapter
	for _, s := range suggested {
		if _, ok := known[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *OpenAIAssistant) useFallback(ctx context.Context, req ChatRequest, reason string, cause error) (*ChatResponse, error) {
	if a.onFallback != nil {
		a.onFallback(reason, cause)
	}
	fallback := a.fallback
	if fallback == nil {
		fallback = NewStaticAssistant(nil)
	}
	return fallback.Chat(ctx, req)
}

var _ Assistant = (*OpenAIAssistant)(nil)

func parseModelPayload(raw string) (*modelChatPayload, error) {
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return nil, errors.New("empty payload")
	}
	var decoded modelChatPayload
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}

// extractJSONFragment tolerates code fences and prose around the JSON
// object, which smaller models emit despite the response_format hint.
func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
