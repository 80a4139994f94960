package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signforge/internal/domain"
)

// Adapters lists every registered adapter grouped by domain.
func (a *App) Adapters(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Registry.Grouped())
}

// AdaptersByDomain lists one domain's adapters.
func (a *App) AdaptersByDomain(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	list := a.Registry.ByDomain(domainName)
	if len(list) == 0 {
		a.error(w, domain.ErrNotFound)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"domain":   domainName,
		"adapters": list,
	})
}

type suggestRequest struct {
	Prompt string `json:"prompt"`
}

// SuggestAdapters infers a composition from prompt keywords and flags
// conflicting pairs.
func (a *App) SuggestAdapters(w http.ResponseWriter, r *http.Request) {
	var body suggestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.badRequest(w, "invalid JSON body")
		return
	}
	if body.Prompt == "" {
		a.badRequest(w, "prompt is required")
		return
	}

	suggestion := a.Registry.Suggest(body.Prompt)
	a.json(w, http.StatusOK, map[string]any{
		"suggestion": suggestion,
		"conflicts":  a.Registry.Conflicts(suggestion.Adapters),
	})
}

// RescanAdapters re-reads the adapter directory. New safetensors files
// become available without a restart.
func (a *App) RescanAdapters(w http.ResponseWriter, r *http.Request) {
	count, err := a.Registry.Scan()
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"total_count": count,
		"domains":     a.Registry.Domains(),
	})
}
