// Package adapters maintains the LoRA adapter registry: discovery from a
// directory scan, lookups, and weight composition for the generation
// pipeline.
package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Adapter describes one discovered LoRA file. The full name is
// "<domain>/<file stem>", e.g. "sign_type/neon".
type Adapter struct {
	Name              string   `json:"name"`
	Domain            string   `json:"domain"`
	Path              string   `json:"path"`
	FileSize          int64    `json:"file_size"`
	RecommendedWeight float64  `json:"recommended_weight"`
	TrainingRunID     string   `json:"training_run_id,omitempty"`
	TrainingSteps     int      `json:"training_steps,omitempty"`
	CompatibleWith    []string `json:"compatible_with,omitempty"`
	ConflictsWith     []string `json:"conflicts_with,omitempty"`
}

// sidecar mirrors the optional "<adapter>.json" metadata written by the
// training exporter.
type sidecar struct {
	RecommendedWeight float64  `json:"recommended_weight"`
	TrainingRunID     string   `json:"training_run_id"`
	TrainingSteps     int      `json:"training_steps"`
	CompatibleWith    []string `json:"compatible_with"`
	ConflictsWith     []string `json:"conflicts_with"`
}

// defaultDomainWeights is the fallback composition weight per domain when an
// adapter carries no recommendation of its own.
var defaultDomainWeights = map[string]float64{
	"sign_type":   1.0,
	"mounting":    0.9,
	"perspective": 0.7,
	"environment": 0.9,
	"lighting":    0.8,
	"material":    0.8,
}

// Registry holds the adapters discovered under a base directory. It is
// populated by Scan at startup and read-only during serving; Rescan swaps in
// a fresh snapshot atomically.
type Registry struct {
	baseDir string
	logger  zerolog.Logger

	mu     sync.RWMutex
	byName map[string]Adapter
}

// NewRegistry creates an empty registry rooted at baseDir. Call Scan before
// serving.
func NewRegistry(baseDir string, logger zerolog.Logger) *Registry {
	return &Registry{
		baseDir: baseDir,
		logger:  logger,
		byName:  map[string]Adapter{},
	}
}

// Scan walks <baseDir>/<domain>/*.safetensors and rebuilds the registry.
// It returns the number of adapters found. A missing base directory is not
// an error; the registry is simply empty.
func (r *Registry) Scan() (int, error) {
	found := map[string]Adapter{}

	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn().Str("path", r.baseDir).Msg("adapters: loras dir not found")
			r.swap(found)
			return 0, nil
		}
		return 0, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domain := entry.Name()
		pattern := filepath.Join(r.baseDir, domain, "*.safetensors")
		files, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, file := range files {
			info, err := r.load(file, domain)
			if err != nil {
				r.logger.Warn().Err(err).Str("path", file).Msg("adapters: scan failed")
				continue
			}
			found[info.Name] = info
		}
	}

	r.swap(found)
	r.logger.Info().Int("count", len(found)).Msg("adapters: scanned")
	return len(found), nil
}

func (r *Registry) load(path, domain string) (Adapter, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Adapter{}, err
	}

	stem := filepath.Base(path)
	stem = stem[:len(stem)-len(filepath.Ext(stem))]

	info := Adapter{
		Name:              domain + "/" + stem,
		Domain:            domain,
		Path:              path,
		FileSize:          stat.Size(),
		RecommendedWeight: 1.0,
	}

	// Sidecar metadata is optional; a malformed file only loses metadata.
	metaPath := path[:len(path)-len(filepath.Ext(path))] + ".json"
	if raw, err := os.ReadFile(metaPath); err == nil {
		var meta sidecar
		if err := json.Unmarshal(raw, &meta); err == nil {
			if meta.RecommendedWeight > 0 {
				info.RecommendedWeight = meta.RecommendedWeight
			}
			info.TrainingRunID = meta.TrainingRunID
			info.TrainingSteps = meta.TrainingSteps
			info.CompatibleWith = meta.CompatibleWith
			info.ConflictsWith = meta.ConflictsWith
		}
	}

	return info, nil
}

func (r *Registry) swap(byName map[string]Adapter) {
	r.mu.Lock()
	r.byName = byName
	r.mu.Unlock()
}

// Get returns the adapter for a full "domain/name" identifier.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Domains lists the distinct domains in sorted order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, info := range r.byName {
		seen[info.Domain] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for domain := range seen {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// ByDomain lists the adapters of one domain sorted by name.
func (r *Registry) ByDomain(domain string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, info := range r.byName {
		if info.Domain == domain {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Grouped is the registry view served by GET /adapters.
type Grouped struct {
	Domains    []string             `json:"domains"`
	Adapters   map[string][]Adapter `json:"adapters"`
	TotalCount int                  `json:"total_count"`
}

// Grouped returns all adapters grouped by domain.
func (r *Registry) Grouped() Grouped {
	domains := r.Domains()
	grouped := Grouped{
		Domains:  domains,
		Adapters: make(map[string][]Adapter, len(domains)),
	}
	for _, domain := range domains {
		list := r.ByDomain(domain)
		grouped.Adapters[domain] = list
		grouped.TotalCount += len(list)
	}
	return grouped
}
