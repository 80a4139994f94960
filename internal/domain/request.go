package domain

import "fmt"

// Generation parameter bounds. Resolutions above 2 MP exhaust accelerator
// memory on the reference hardware.
const (
	MaxPromptLength         = 1000
	MaxNegativePromptLength = 500
	MinDimension            = 256
	MaxDimension            = 2048
	MaxResolution           = 2097152
	MinSteps                = 1
	MaxSteps                = 100
	MinGuidanceScale        = 1
	MaxGuidanceScale        = 20
)

// GenerationRequest is the validated input for one diffusion run.
type GenerationRequest struct {
	Prompt           string
	NegativePrompt   string
	Width            int
	Height           int
	Steps            int
	GuidanceScale    float64
	Seed             int64
	Adapters         []AdapterRef
	NormalizeWeights bool
	Logo             *ConditioningImage
	Background       *ConditioningImage
}

// Validate checks the request bounds. It returns a VALIDATION_ERROR coded
// error describing the first offending field.
func (r *GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return NewValidationError("prompt", "prompt cannot be empty")
	}
	if len(r.Prompt) > MaxPromptLength {
		return NewValidationError("prompt", fmt.Sprintf("prompt too long (max %d chars)", MaxPromptLength))
	}
	if len(r.NegativePrompt) > MaxNegativePromptLength {
		return NewValidationError("negative_prompt", fmt.Sprintf("negative prompt too long (max %d chars)", MaxNegativePromptLength))
	}
	if r.Width < MinDimension || r.Width > MaxDimension {
		return NewValidationError("width", fmt.Sprintf("invalid width %d (%d-%d)", r.Width, MinDimension, MaxDimension))
	}
	if r.Height < MinDimension || r.Height > MaxDimension {
		return NewValidationError("height", fmt.Sprintf("invalid height %d (%d-%d)", r.Height, MinDimension, MaxDimension))
	}
	if r.Width*r.Height > MaxResolution {
		return NewValidationError("resolution", fmt.Sprintf("resolution too high (max %d pixels)", MaxResolution))
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		return NewValidationError("steps", fmt.Sprintf("invalid steps %d (%d-%d)", r.Steps, MinSteps, MaxSteps))
	}
	if r.GuidanceScale < MinGuidanceScale || r.GuidanceScale > MaxGuidanceScale {
		return NewValidationError("guidance_scale", fmt.Sprintf("invalid guidance scale %.1f (%d-%d)", r.GuidanceScale, MinGuidanceScale, MaxGuidanceScale))
	}
	for _, ref := range r.Adapters {
		if ref.Name == "" {
			return NewValidationError("adapters", "adapter name cannot be empty")
		}
	}
	return nil
}
