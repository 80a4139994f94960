package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signforge/internal/domain"
)

type generateRequest struct {
	Prompt           string              `json:"prompt"`
	NegativePrompt   string              `json:"negative_prompt"`
	Width            int                 `json:"width"`
	Height           int                 `json:"height"`
	Steps            int                 `json:"steps"`
	GuidanceScale    float64             `json:"guidance_scale"`
	Seed             int64               `json:"seed"`
	Adapters         []domain.AdapterRef `json:"adapters"`
	NormalizeWeights bool                `json:"normalize_weights"`
	LogoBase64       string              `json:"logo_base64,omitempty"`
	BackgroundBase64 string              `json:"background_base64,omitempty"`
}

// Generate accepts a generation request and enqueues it. The response is
// always 202 with the job id; the client polls for progress.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.badRequest(w, "invalid JSON body")
		return
	}

	req := domain.GenerationRequest{
		Prompt:           body.Prompt,
		NegativePrompt:   body.NegativePrompt,
		Width:            body.Width,
		Height:           body.Height,
		Steps:            body.Steps,
		GuidanceScale:    body.GuidanceScale,
		Seed:             body.Seed,
		Adapters:         body.Adapters,
		NormalizeWeights: body.NormalizeWeights,
	}
	if body.LogoBase64 != "" {
		img, err := decodeConditioning(body.LogoBase64)
		if err != nil {
			a.badRequest(w, "logo_base64 is not valid base64")
			return
		}
		req.Logo = img
	}
	if body.BackgroundBase64 != "" {
		img, err := decodeConditioning(body.BackgroundBase64)
		if err != nil {
			a.badRequest(w, "background_base64 is not valid base64")
			return
		}
		req.Background = img
	}

	job, err := a.Service.Submit(r.Context(), req)
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{
		"item_id": job.ID,
		"status":  job.Status,
	})
}

// Status returns the current job snapshot. Safe to poll; the same terminal
// snapshot is returned forever.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	job, err := a.Service.Status(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// Result returns the result payload once the job completed. Every other
// state, failed and cancelled included, yields 409; clients read failure
// details from Status.
func (a *App) Result(w http.ResponseWriter, r *http.Request) {
	job, err := a.Service.Result(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, job.Result)
}

// Image streams the generated PNG.
func (a *App) Image(w http.ResponseWriter, r *http.Request) {
	job, err := a.Service.Result(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, err)
		return
	}
	path, err := a.Files.Path(job.Result.ImagePath)
	if err != nil {
		a.error(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

// Cancel cancels a queued job. Running and terminal jobs return 409.
func (a *App) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := a.Service.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":     job.ID,
		"status": job.Status,
	})
}

func decodeConditioning(encoded string) (*domain.ConditioningImage, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	return &domain.ConditioningImage{Data: data, Format: "png", Strength: 1.0}, nil
}
