package forge

import "strings"

// Usage is the normalised token accounting for one call. Providers report
// usage in different shapes; ExtractUsage flattens them all into this.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelPrice is the per-million-token rate for one provider/model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// PricingTable maps "provider/model" to rates. Models absent from the table
// cost 0 — whether a zero cost should fail the run is the caller's policy.
type PricingTable map[string]ModelPrice

// Cost computes the dollar cost of one call.
func (t PricingTable) Cost(provider, model string, usage Usage) float64 {
	if t == nil {
		return 0
	}
	price, ok := t[strings.ToLower(provider)+"/"+strings.ToLower(model)]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*price.InputPerMTok +
		float64(usage.CompletionTokens)/1e6*price.OutputPerMTok
}

// ExtractUsage normalises usage across provider payload shapes:
// OpenAI-style `usage` {prompt_tokens, completion_tokens, total_tokens},
// Anthropic-style `usage` {input_tokens, output_tokens}, and Google-style
// `usageMetadata` {promptTokenCount, candidatesTokenCount, totalTokenCount}.
func ExtractUsage(raw map[string]any) Usage {
	var u Usage
	if um, ok := raw["usage"].(map[string]any); ok {
		u.PromptTokens = intField(um, "prompt_tokens", "input_tokens")
		u.CompletionTokens = intField(um, "completion_tokens", "output_tokens")
		u.TotalTokens = intField(um, "total_tokens")
	}
	if um, ok := raw["usageMetadata"].(map[string]any); ok {
		u.PromptTokens = intField(um, "promptTokenCount")
		u.CompletionTokens = intField(um, "candidatesTokenCount")
		u.TotalTokens = intField(um, "totalTokenCount")
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}
