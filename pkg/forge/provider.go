// Package forge implements the template-runner core: a single grounded,
// reasoning-bearing LLM call against one of the supported provider families.
// It is linked both into the forge child binary (which exposes the exit-code
// protocol across the process boundary) and into tests.
package forge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider is the capability set one provider family implements. A registry
// maps provider names to implementations; there is no dynamic discovery.
type Provider interface {
	// Name is the canonical lower-case provider name.
	Name() string

	// BuildRequest produces the endpoint URL, headers, and JSON body for a
	// single completion call.
	BuildRequest(spec *RequestSpec) (*HTTPRequest, error)

	// ParseResponse extracts the assistant text from a raw provider payload.
	ParseResponse(raw map[string]any) (string, error)

	// ExtractReasoning returns provider-specific model rationale, or "" when
	// the payload carries none the provider recognises. The generic
	// fallback in validate.go runs after this.
	ExtractReasoning(raw map[string]any) string
}

// RequestSpec is the provider-independent description of one call.
type RequestSpec struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	JSONOutput  bool
	APIKey      string
	BaseURL     string // optional override; providers have defaults
}

// HTTPRequest is a built provider request ready for transport.
type HTTPRequest struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// registry holds the known provider families. Lookup is an explicit map —
// adding a provider means adding an entry here.
var registry = map[string]Provider{
	"google":    &googleProvider{},
	"anthropic": &anthropicProvider{},
	"openai":    &openAIProvider{name: "openai", baseURL: "https://api.openai.com/v1"},
	// OpenRouter speaks the OpenAI wire shape.
	"openrouter": &openAIProvider{name: "openrouter", baseURL: "https://openrouter.ai/api/v1"},
}

// Lookup returns the provider implementation for a name.
func Lookup(name string) (Provider, error) {
	p, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// --- google ---

type googleProvider struct{}

func (googleProvider) Name() string { return "google" }

func (googleProvider) BuildRequest(spec *RequestSpec) (*HTTPRequest, error) {
	base := spec.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": spec.Prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     spec.Temperature,
			"maxOutputTokens": spec.MaxTokens,
		},
		// Grounding is mandatory for this system, so every request carries
		// the search tool.
		"tools": []map[string]any{{"google_search": map[string]any{}}},
	}
	if spec.JSONOutput {
		// The search tool and responseMimeType are mutually exclusive on
		// this API; JSON is requested through the prompt instead.
		body["generationConfig"].(map[string]any)["candidateCount"] = 1
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal google request: %w", err)
	}
	return &HTTPRequest{
		URL: fmt.Sprintf("%s/models/%s:generateContent", base, spec.Model),
		Headers: map[string]string{
			"Content-Type":   "application/json",
			"x-goog-api-key": spec.APIKey,
		},
		Body: raw,
	}, nil
}

func (googleProvider) ParseResponse(raw map[string]any) (string, error) {
	candidates, _ := raw["candidates"].([]any)
	if len(candidates) == 0 {
		return "", fmt.Errorf("google response has no candidates")
	}
	cand, _ := candidates[0].(map[string]any)
	content, _ := cand["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	var sb strings.Builder
	for _, p := range parts {
		if pm, ok := p.(map[string]any); ok {
			if text, ok := pm["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("google response has no text parts")
	}
	return sb.String(), nil
}

func (googleProvider) ExtractReasoning(raw map[string]any) string {
	candidates, _ := raw["candidates"].([]any)
	if len(candidates) == 0 {
		return ""
	}
	cand, _ := candidates[0].(map[string]any)
	// Grounding metadata signals (web search queries, supports) double as
	// evidence the model worked through retrieved material.
	if gm, ok := cand["groundingMetadata"].(map[string]any); ok {
		if qs, ok := gm["webSearchQueries"].([]any); ok && len(qs) > 0 {
			return fmt.Sprintf("web search queries: %v", qs)
		}
		if sup, ok := gm["groundingSupports"].([]any); ok && len(sup) > 0 {
			return "grounding supports present"
		}
	}
	// Multi-part content: earlier parts carry rationale, the last carries
	// the answer.
	content, _ := cand["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	if len(parts) > 1 {
		if pm, ok := parts[0].(map[string]any); ok {
			if text, ok := pm["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return ""
}

// --- anthropic ---

type anthropicProvider struct{}

func (anthropicProvider) Name() string { return "anthropic" }

func (anthropicProvider) BuildRequest(spec *RequestSpec) (*HTTPRequest, error) {
	base := spec.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	body := map[string]any{
		"model":       spec.Model,
		"max_tokens":  spec.MaxTokens,
		"temperature": spec.Temperature,
		"messages": []map[string]any{
			{"role": "user", "content": spec.Prompt},
		},
		"tools": []map[string]any{
			{"type": "web_search_20250305", "name": "web_search"},
		},
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 2048},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	return &HTTPRequest{
		URL: base + "/v1/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         spec.APIKey,
			"anthropic-version": "2023-06-01",
		},
		Body: raw,
	}, nil
}

func (anthropicProvider) ParseResponse(raw map[string]any) (string, error) {
	blocks, _ := raw["content"].([]any)
	var sb strings.Builder
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if bm["type"] == "text" {
			if text, ok := bm["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic response has no text blocks")
	}
	return sb.String(), nil
}

func (anthropicProvider) ExtractReasoning(raw map[string]any) string {
	blocks, _ := raw["content"].([]any)
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if bm["type"] == "thinking" {
			if text, ok := bm["thinking"].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return ""
}

// --- openai-compatible (default family) ---

type openAIProvider struct {
	name    string
	baseURL string
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) BuildRequest(spec *RequestSpec) (*HTTPRequest, error) {
	base := spec.BaseURL
	if base == "" {
		base = p.baseURL
	}
	body := map[string]any{
		"model":                 spec.Model,
		"max_completion_tokens": spec.MaxTokens,
		"temperature":           spec.Temperature,
		"messages": []map[string]any{
			{"role": "user", "content": spec.Prompt},
		},
		"web_search_options": map[string]any{},
	}
	if spec.JSONOutput {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}
	return &HTTPRequest{
		URL: base + "/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + spec.APIKey,
		},
		Body: raw,
	}, nil
}

func (p *openAIProvider) ParseResponse(raw map[string]any) (string, error) {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return "", fmt.Errorf("%s response has no choices", p.name)
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	if text, ok := message["content"].(string); ok && text != "" {
		return text, nil
	}
	return "", fmt.Errorf("%s response has empty message content", p.name)
}

func (p *openAIProvider) ExtractReasoning(raw map[string]any) string {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	if text, ok := message["reasoning"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}
	if text, ok := message["reasoning_content"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}
	return ""
}
