package adapters

import "strings"

// Suggestion pairs the adapters inferred from a prompt with their default
// weights.
type Suggestion struct {
	Adapters []string          `json:"adapters"`
	Weights  []float64         `json:"weights"`
	ByDomain map[string]string `json:"suggestions"`
	Prompt   string            `json:"prompt_analyzed"`
}

type keywordRule struct {
	keyword string
	concept string
}

// Rules are ordered; the first matching keyword wins.
var signTypeRules = []keywordRule{
	{"channel", "channel_letters"},
	{"letter", "channel_letters"},
	{"box", "box_sign"},
	{"cabinet", "box_sign"},
	{"halo", "halo_lit"},
	{"backlit", "halo_lit"},
	{"blade", "blade"},
	{"flag", "blade"},
	{"monument", "monument"},
	{"ground", "monument"},
	{"pylon", "pylon"},
	{"pole", "pylon"},
	{"neon", "neon"},
}

var environmentRules = []keywordRule{
	{"urban", "urban_storefront"},
	{"city", "urban_storefront"},
	{"storefront", "urban_storefront"},
	{"mall", "mall_interior"},
	{"interior", "mall_interior"},
	{"indoor", "mall_interior"},
	{"night", "night"},
	{"evening", "night"},
	{"dark", "night"},
	{"day", "daytime"},
	{"daylight", "daytime"},
	{"sunny", "daytime"},
}

// Suggest infers an adapter composition from prompt keywords. Only adapters
// actually present in the registry are suggested.
func (r *Registry) Suggest(prompt string) Suggestion {
	lower := strings.ToLower(prompt)
	byDomain := map[string]string{}

	if name := r.matchRules(lower, "sign_type", signTypeRules); name != "" {
		byDomain["sign_type"] = name
	}
	if name := r.matchRules(lower, "environment", environmentRules); name != "" {
		byDomain["environment"] = name
	}

	suggestion := Suggestion{ByDomain: byDomain, Prompt: truncate(prompt, 100)}
	for _, domain := range []string{"sign_type", "environment"} {
		name, ok := byDomain[domain]
		if !ok {
			continue
		}
		weight := 1.0
		if dw, ok := defaultDomainWeights[domain]; ok {
			weight = dw
		}
		suggestion.Adapters = append(suggestion.Adapters, name)
		suggestion.Weights = append(suggestion.Weights, weight)
	}
	return suggestion
}

func (r *Registry) matchRules(prompt, domain string, rules []keywordRule) string {
	for _, rule := range rules {
		if !strings.Contains(prompt, rule.keyword) {
			continue
		}
		full := domain + "/" + rule.concept
		if _, ok := r.Get(full); ok {
			return full
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
