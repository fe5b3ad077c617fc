package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want Usage
	}{
		{
			name: "openai shape",
			raw: map[string]any{
				"usage": map[string]any{
					"prompt_tokens":     float64(120),
					"completion_tokens": float64(80),
					"total_tokens":      float64(200),
				},
			},
			want: Usage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
		},
		{
			name: "anthropic shape",
			raw: map[string]any{
				"usage": map[string]any{
					"input_tokens":  float64(300),
					"output_tokens": float64(150),
				},
			},
			want: Usage{PromptTokens: 300, CompletionTokens: 150, TotalTokens: 450},
		},
		{
			name: "google usageMetadata shape",
			raw: map[string]any{
				"usageMetadata": map[string]any{
					"promptTokenCount":     float64(50),
					"candidatesTokenCount": float64(25),
					"totalTokenCount":      float64(75),
				},
			},
			want: Usage{PromptTokens: 50, CompletionTokens: 25, TotalTokens: 75},
		},
		{
			name: "no usage at all",
			raw:  map[string]any{"choices": []any{}},
			want: Usage{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractUsage(tt.raw))
		})
	}
}

func TestPricingTable_Cost(t *testing.T) {
	table := PricingTable{
		"openai/gpt-test": {InputPerMTok: 2.0, OutputPerMTok: 8.0},
	}

	usage := Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000}
	assert.InDelta(t, 6.0, table.Cost("openai", "gpt-test", usage), 1e-9)

	// Case-insensitive lookup.
	assert.InDelta(t, 6.0, table.Cost("OpenAI", "GPT-Test", usage), 1e-9)

	// Absent model costs zero; the caller decides whether that matters.
	assert.Zero(t, table.Cost("openai", "unknown-model", usage))
	assert.Zero(t, PricingTable(nil).Cost("openai", "gpt-test", usage))
}
