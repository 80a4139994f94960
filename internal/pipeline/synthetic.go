package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Synthetic renders deterministic placeholder images so the full service
// (queue, progress, persistence, API) can be exercised without a model or
// accelerator. The same prompt, seed and adapters always produce the same
// bytes.
type Synthetic struct {
	logger    zerolog.Logger
	stepDelay time.Duration
	loaded    atomic.Bool
}

// NewSynthetic creates a synthetic backend. stepDelay is slept per
// denoising step to imitate real sampling pace; zero means as fast as
// possible.
func NewSynthetic(logger zerolog.Logger, stepDelay time.Duration) *Synthetic {
	return &Synthetic{logger: logger, stepDelay: stepDelay}
}

func (s *Synthetic) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.loaded.CompareAndSwap(false, true) {
		s.logger.Info().Msg("pipeline: synthetic backend loaded")
	}
	return nil
}

func (s *Synthetic) Loaded() bool { return s.loaded.Load() }

func (s *Synthetic) Telemetry() Telemetry {
	return Telemetry{Device: "cpu"}
}

func (s *Synthetic) Generate(ctx context.Context, req Request, onStep StepFunc) (*Result, error) {
	started := time.Now()

	seed := req.Seed
	if seed < 0 {
		seed = rand.Int63()
	}

	for step := 1; step <= req.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if s.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.stepDelay):
			}
		}
		if onStep != nil {
			onStep(step, req.Steps)
		}
	}

	fingerprint := renderFingerprint(req, seed)
	img := renderImage(req.Width, req.Height, fingerprint)
	if img == nil {
		return nil, fmt.Errorf("synthetic render failed")
	}

	return &Result{
		Image:    img,
		Seed:     seed,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		Duration: time.Since(started),
	}, nil
}

// renderFingerprint hashes everything that should change the output image.
func renderFingerprint(req Request, seed int64) string {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s|%s|%d|", req.Prompt, req.NegativePrompt, seed)
	for i, name := range req.AdapterNames {
		fmt.Fprintf(hasher, "%s:%.3f|", name, req.AdapterWeights[i])
	}
	if req.Logo != nil {
		hasher.Write(req.Logo.Data)
	}
	if req.Background != nil {
		hasher.Write(req.Background.Data)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func renderImage(width, height int, fingerprint string) []byte {
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 768
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromFingerprint(fingerprint, 0)
	accent := colorFromFingerprint(fingerprint, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := maxInt(32, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, minInt(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	diagonal := colorFromFingerprint(fingerprint, 2)
	for i := 0; i < maxInt(width, height); i += maxInt(16, width/32) {
		for y := 0; y < height; y++ {
			x := i + y
			if x >= width {
				break
			}
			img.Set(x, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromFingerprint(fingerprint string, shift int) color.RGBA {
	if fingerprint == "" {
		fingerprint = "000000"
	}
	doubled := fingerprint + fingerprint
	start := (shift * 6) % len(fingerprint)
	segment := doubled[start : start+6]
	return color.RGBA{
		R: parseHexByte(segment[0:2]),
		G: parseHexByte(segment[2:4]),
		B: parseHexByte(segment[4:6]),
		A: 255,
	}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
