package adapters

import (
	"math"

	"signforge/internal/domain"
)

// Composition is the ordered adapter list handed to the pipeline. Names,
// Weights and Paths are parallel slices.
type Composition struct {
	Names   []string
	Weights []float64
	Paths   []string
}

// Refs re-pairs the composition into domain adapter references.
func (c *Composition) Refs() []domain.AdapterRef {
	refs := make([]domain.AdapterRef, len(c.Names))
	for i, name := range c.Names {
		refs[i] = domain.AdapterRef{Name: name, Weight: c.Weights[i]}
	}
	return refs
}

// Compose validates the requested adapter references against the registry
// and produces the ordered composition consumed by the pipeline.
//
// Duplicate names deduplicate with the LAST occurrence's weight winning,
// while the position of the FIRST occurrence fixes the order. A zero weight
// falls back to the adapter's recommended weight, then to the domain
// default. When normalize is true, weights are scaled so their absolute
// values sum to 1.
func (r *Registry) Compose(refs []domain.AdapterRef, normalize bool) (*Composition, error) {
	if len(refs) == 0 {
		return &Composition{}, nil
	}

	order := make([]string, 0, len(refs))
	weights := map[string]float64{}
	for _, ref := range refs {
		info, ok := r.Get(ref.Name)
		if !ok {
			return nil, domain.NewLoRAError(ref.Name)
		}
		if _, seen := weights[ref.Name]; !seen {
			order = append(order, ref.Name)
		}
		weight := ref.Weight
		if weight == 0 {
			weight = info.RecommendedWeight
			if weight == 1.0 {
				if dw, ok := defaultDomainWeights[info.Domain]; ok {
					weight = dw
				}
			}
		}
		// Last occurrence wins, including explicit zero-weight fallbacks.
		weights[ref.Name] = weight
	}

	comp := &Composition{
		Names:   order,
		Weights: make([]float64, len(order)),
		Paths:   make([]string, len(order)),
	}
	for i, name := range order {
		info, _ := r.Get(name)
		comp.Weights[i] = weights[name]
		comp.Paths[i] = info.Path
	}

	if normalize {
		comp.Weights = normalizeWeights(comp.Weights)
	}
	return comp, nil
}

func normalizeWeights(weights []float64) []float64 {
	var total float64
	for _, w := range weights {
		total += math.Abs(w)
	}
	if total == 0 {
		return weights
	}
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w / total
	}
	return out
}

// Conflict flags a pair of adapters that should not be composed together.
type Conflict struct {
	First  string `json:"first"`
	Second string `json:"second"`
	Reason string `json:"reason"`
}

// Conflicts reports explicit conflicts from sidecar metadata and same-domain
// pairs, which tend to interfere with each other.
func (r *Registry) Conflicts(names []string) []Conflict {
	var out []Conflict
	for i, first := range names {
		a, ok := r.Get(first)
		if !ok {
			continue
		}
		for _, second := range names[i+1:] {
			b, ok := r.Get(second)
			if !ok {
				continue
			}
			switch {
			case contains(a.ConflictsWith, second), contains(b.ConflictsWith, first):
				out = append(out, Conflict{First: first, Second: second, Reason: "explicit_conflict"})
			case a.Domain == b.Domain:
				out = append(out, Conflict{First: first, Second: second, Reason: "same_domain"})
			}
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
