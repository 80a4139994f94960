package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"signforge/internal/assistant"
)

type chatRequest struct {
	Message string              `json:"message"`
	History []assistant.Message `json:"history,omitempty"`
}

// Chat proxies the design assistant. The reply includes a ready-to-submit
// prompt and adapter suggestions when the assistant can infer them.
func (a *App) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.badRequest(w, "invalid JSON body")
		return
	}
	if body.Message == "" {
		a.badRequest(w, "message is required")
		return
	}

	started := time.Now()
	res, err := a.Assistant.Chat(r.Context(), assistant.ChatRequest{
		Message: body.Message,
		History: body.History,
	})
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"response":           res.Reply,
		"suggested_prompt":   res.SuggestedPrompt,
		"suggested_adapters": res.SuggestedAdapters,
		"latency_ms":         time.Since(started).Milliseconds(),
	})
}
