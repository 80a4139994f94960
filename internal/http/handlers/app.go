// Package handlers implements the REST surface. Every handler hangs off App,
// which carries the wired services.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"signforge/internal/adapters"
	"signforge/internal/archive"
	"signforge/internal/assistant"
	"signforge/internal/domain"
	"signforge/internal/inference"
	"signforge/internal/storage"
)

type App struct {
	Logger    zerolog.Logger
	Service   *inference.Service
	Registry  *adapters.Registry
	Files     *storage.FileStore
	Assistant assistant.Assistant
	Archive   *archive.PostgresArchive
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// error writes a coded error payload, mapping domain sentinels onto HTTP
// status codes.
func (a *App) error(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownAdapter):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrResultNotReady), errors.Is(err, domain.ErrNotCancellable):
		code = http.StatusConflict
	}

	var coded *domain.Error
	if errors.As(err, &coded) {
		a.json(w, code, coded)
		return
	}
	name := "INTERNAL_ERROR"
	switch code {
	case http.StatusBadRequest:
		name = "VALIDATION_ERROR"
	case http.StatusNotFound:
		name = "NOT_FOUND"
	case http.StatusConflict:
		name = "CONFLICT"
	case http.StatusTooManyRequests:
		name = "QUEUE_FULL"
	}
	a.json(w, code, map[string]string{"error": name, "message": err.Error()})
}

func (a *App) badRequest(w http.ResponseWriter, message string) {
	a.json(w, http.StatusBadRequest, map[string]string{"error": "VALIDATION_ERROR", "message": message})
}
