// Package assistant implements the design chat: a conversational helper
// that turns a customer's signage idea into a concrete generation prompt
// and adapter selection.
package assistant

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"signforge/internal/adapters"
)

const (
	staticProviderName = "static"
	openAIProviderName = "openai"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
}

type ChatResponse struct {
	Reply             string             `json:"reply"`
	SuggestedPrompt   string             `json:"suggested_prompt,omitempty"`
	SuggestedAdapters []SuggestedAdapter `json:"suggested_adapters,omitempty"`
	Provider          string             `json:"-"`
}

type SuggestedAdapter struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type Assistant interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StaticAssistant answers without an external model. It leans on the
// registry's keyword suggestions so replies stay grounded in adapters that
// actually exist on disk.
type StaticAssistant struct {
	registry *adapters.Registry
}

func NewStaticAssistant(registry *adapters.Registry) *StaticAssistant {
	return &StaticAssistant{registry: registry}
}

func (s *StaticAssistant) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return &ChatResponse{
			Reply:    "Tell me about the sign you have in mind: the business, the style, and where it will hang.",
			Provider: staticProviderName,
		}, nil
	}

	c := cases.Title(language.Und)
	res := &ChatResponse{
		Reply:           fmt.Sprintf("%s sounds like a great starting point. I drafted a prompt you can submit as-is or refine further.", c.String(firstClause(message))),
		SuggestedPrompt: buildPrompt(message),
		Provider:        staticProviderName,
	}

	if s.registry != nil {
		suggestion := s.registry.Suggest(message)
		for i, name := range suggestion.Adapters {
			res.SuggestedAdapters = append(res.SuggestedAdapters, SuggestedAdapter{
				Name:   name,
				Weight: suggestion.Weights[i],
			})
		}
		if len(res.SuggestedAdapters) > 0 {
			res.Reply += fmt.Sprintf(" Based on your description I would pair it with %d adapter(s).", len(res.SuggestedAdapters))
		}
	}
	return res, nil
}

func buildPrompt(message string) string {
	var b strings.Builder
	b.WriteString("professional sign photograph, ")
	b.WriteString(strings.TrimRight(message, ".!? "))
	b.WriteString(", sharp focus, realistic materials, storefront context")
	return b.String()
}

// firstClause cuts the message at the first sentence boundary so the echo
// in the reply stays short.
func firstClause(message string) string {
	if idx := strings.IndexAny(message, ".!?,"); idx > 0 {
		return message[:idx]
	}
	if len(message) > 60 {
		return message[:60]
	}
	return message
}

var _ Assistant = (*StaticAssistant)(nil)
