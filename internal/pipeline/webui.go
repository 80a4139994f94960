package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const webUIDefaultTimeout = 10 * time.Minute

// WebUI talks to a stable-diffusion-webui compatible HTTP API. LoRA
// composition rides in the prompt via <lora:name:weight> tags, which the
// server resolves against its own adapter directory. Progress is polled
// from /sdapi/v1/progress while txt2img is in flight.
type WebUI struct {
	baseURL      string
	client       *http.Client
	logger       zerolog.Logger
	samplerName  string
	pollInterval time.Duration
	loaded       atomic.Bool
}

// WebUIOptions configures the client. A nil HTTPClient gets a long-timeout
// default, since a single txt2img call spans the whole diffusion run.
type WebUIOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	SamplerName  string
	PollInterval time.Duration
}

func NewWebUI(opts WebUIOptions) *WebUI {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: webUIDefaultTimeout}
	}
	sampler := opts.SamplerName
	if sampler == "" {
		sampler = "Euler a"
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &WebUI{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		client:       client,
		logger:       opts.Logger,
		samplerName:  sampler,
		pollInterval: poll,
	}
}

type txt2imgRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"steps"`
	CfgScale       float64  `json:"cfg_scale"`
	Seed           int64    `json:"seed"`
	SamplerName    string   `json:"sampler_name"`
	BatchSize      int      `json:"batch_size"`
	InitImages     []string `json:"init_images,omitempty"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type txt2imgInfo struct {
	Seed int64 `json:"seed"`
}

type progressResponse struct {
	Progress float64 `json:"progress"`
	State    struct {
		SamplingStep  int `json:"sampling_step"`
		SamplingSteps int `json:"sampling_steps"`
	} `json:"state"`
}

// Load probes the server. The model itself lives in the remote process, so
// readiness is just reachability of the options endpoint.
func (w *WebUI) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/sdapi/v1/options", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webui probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webui probe: unexpected status %d", resp.StatusCode)
	}
	w.loaded.Store(true)
	w.logger.Info().Str("base_url", w.baseURL).Msg("pipeline: webui backend ready")
	return nil
}

func (w *WebUI) Loaded() bool { return w.loaded.Load() }

func (w *WebUI) Telemetry() Telemetry {
	telemetry := Telemetry{Device: "remote"}

	req, err := http.NewRequest(http.MethodGet, w.baseURL+"/sdapi/v1/memory", nil)
	if err != nil {
		return telemetry
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return telemetry
	}
	defer resp.Body.Close()

	var payload struct {
		CUDA struct {
			System struct {
				Total int64 `json:"total"`
				Used  int64 `json:"used"`
			} `json:"system"`
		} `json:"cuda"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return telemetry
	}
	if payload.CUDA.System.Total > 0 {
		telemetry.Device = "cuda"
		telemetry.MemoryTotalMB = payload.CUDA.System.Total / (1024 * 1024)
		telemetry.MemoryUsedMB = payload.CUDA.System.Used / (1024 * 1024)
		if telemetry.MemoryTotalMB > 0 {
			telemetry.UtilizationPct = float64(telemetry.MemoryUsedMB) / float64(telemetry.MemoryTotalMB) * 100
		}
	}
	return telemetry
}

func (w *WebUI) Generate(ctx context.Context, req Request, onStep StepFunc) (*Result, error) {
	started := time.Now()

	payload := txt2imgRequest{
		Prompt:         composePrompt(req),
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CfgScale:       req.GuidanceScale,
		Seed:           req.Seed,
		SamplerName:    w.samplerName,
		BatchSize:      1,
	}
	if req.Background != nil {
		payload.InitImages = []string{base64.StdEncoding.EncodeToString(req.Background.Data)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	// Poll progress in the background for the duration of the call.
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	if onStep != nil {
		go w.pollProgress(pollCtx, req.Steps, onStep)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webui txt2img: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webui txt2img: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("webui txt2img: decode response: %w", err)
	}
	if len(decoded.Images) == 0 {
		return nil, fmt.Errorf("webui txt2img: no image returned")
	}

	image, err := base64.StdEncoding.DecodeString(decoded.Images[0])
	if err != nil {
		return nil, fmt.Errorf("webui txt2img: decode image: %w", err)
	}

	seed := req.Seed
	var info txt2imgInfo
	if err := json.Unmarshal([]byte(decoded.Info), &info); err == nil && info.Seed != 0 {
		seed = info.Seed
	}

	return &Result{
		Image:    image,
		Seed:     seed,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		Duration: time.Since(started),
	}, nil
}

func (w *WebUI) pollProgress(ctx context.Context, totalSteps int, onStep StepFunc) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	last := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/sdapi/v1/progress", nil)
		if err != nil {
			return
		}
		resp, err := w.client.Do(req)
		if err != nil {
			continue
		}
		var progress progressResponse
		err = json.NewDecoder(resp.Body).Decode(&progress)
		resp.Body.Close()
		if err != nil {
			continue
		}

		step := progress.State.SamplingStep
		total := progress.State.SamplingSteps
		if total == 0 {
			total = totalSteps
		}
		if step > last {
			last = step
			onStep(step, total)
		}
	}
}

// composePrompt appends <lora:name:weight> activation tags, the webui
// convention for weighting adapters per request.
func composePrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	for i, name := range req.AdapterNames {
		fmt.Fprintf(&b, " <lora:%s:%.2f>", name, req.AdapterWeights[i])
	}
	return b.String()
}
