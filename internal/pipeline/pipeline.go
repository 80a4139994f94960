// Package pipeline defines the contract to the external diffusion backend
// and provides two implementations: an HTTP client for a
// stable-diffusion-webui compatible server, and a deterministic synthetic
// renderer for environments without an accelerator.
package pipeline

import (
	"context"
	"time"

	"signforge/internal/domain"
)

// StepFunc receives per-step progress while a generation runs. It is called
// synchronously from the backend; implementations must return quickly.
type StepFunc func(step, total int)

// Request carries one generation into the backend. Adapter resolution has
// already happened: Names/Weights are the composed, deduplicated lists.
type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Seed           int64
	AdapterNames   []string
	AdapterWeights []float64
	Logo           *domain.ConditioningImage
	Background     *domain.ConditioningImage
}

// Result is the raw outcome of a diffusion run before persistence.
type Result struct {
	Image    []byte
	Seed     int64
	Width    int
	Height   int
	Steps    int
	Duration time.Duration
}

// Telemetry is the device snapshot reported on /health. Fields the backend
// cannot measure stay zero.
type Telemetry struct {
	Device         string  `json:"device"`
	GPUName        string  `json:"gpu_name,omitempty"`
	MemoryTotalMB  int64   `json:"memory_total_mb,omitempty"`
	MemoryUsedMB   int64   `json:"memory_used_mb,omitempty"`
	UtilizationPct float64 `json:"utilization_pct,omitempty"`
}

// Backend is the external generative model. Only the single inference worker
// may call Generate; the accelerator cannot serve two concurrent runs.
type Backend interface {
	// Load prepares the model. Safe to call more than once.
	Load(ctx context.Context) error

	// Loaded reports whether the model is ready to generate.
	Loaded() bool

	// Generate runs one diffusion, invoking onStep per denoising step.
	// It honors ctx cancellation and deadline best-effort.
	Generate(ctx context.Context, req Request, onStep StepFunc) (*Result, error)

	// Telemetry returns the current device snapshot.
	Telemetry() Telemetry
}
