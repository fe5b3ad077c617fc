package forge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestDetectGrounding(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "anthropic server tool use",
			raw:  `{"content": [{"type": "server_tool_use", "name": "web_search", "input": {}}, {"type": "text", "text": "answer"}]}`,
			want: true,
		},
		{
			name: "anthropic web search tool result",
			raw:  `{"content": [{"type": "web_search_tool_result", "content": []}]}`,
			want: true,
		},
		{
			name: "top-level tool calls",
			raw:  `{"tool_calls": [{"id": "c1", "function": {"name": "search"}}]}`,
			want: true,
		},
		{
			name: "openai message tool calls",
			raw:  `{"choices": [{"message": {"content": "hi", "tool_calls": [{"id": "c1"}]}}]}`,
			want: true,
		},
		{
			name: "openai url citations in annotations",
			raw:  `{"choices": [{"message": {"content": "hi", "annotations": [{"type": "url_citation", "url_citation": {"url": "https://example.com"}}]}}]}`,
			want: true,
		},
		{
			name: "google grounding metadata with queries",
			raw:  `{"candidates": [{"content": {"parts": [{"text": "x"}]}, "groundingMetadata": {"webSearchQueries": ["recent results"]}}]}`,
			want: true,
		},
		{
			name: "google citation metadata on part",
			raw:  `{"candidates": [{"content": {"parts": [{"text": "x", "citationMetadata": {"citations": []}}]}}]}`,
			want: true,
		},
		{
			name: "sources array with urls",
			raw:  `{"text": "answer", "sources": [{"url": "https://example.com", "title": "Example"}]}`,
			want: true,
		},
		{
			name: "output blocks carrying urls",
			raw:  `{"output": [{"content": [{"type": "output_text", "text": "x", "annotations": [{"type": "url_citation", "url": "https://a.b"}]}]}]}`,
			want: true,
		},
		{
			name: "plain text response without any retrieval evidence",
			raw:  `{"choices": [{"message": {"content": "From memory, the answer is 42."}}]}`,
			want: false,
		},
		{
			name: "empty grounding metadata does not count",
			raw:  `{"candidates": [{"content": {"parts": [{"text": "x"}]}, "groundingMetadata": {}}]}`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectGrounding(mustParse(t, tt.raw), nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectReasoning(t *testing.T) {
	anthropic, err := Lookup("anthropic")
	require.NoError(t, err)
	google, err := Lookup("google")
	require.NoError(t, err)
	openai, err := Lookup("openai")
	require.NoError(t, err)

	tests := []struct {
		name     string
		provider Provider
		raw      string
		want     bool
	}{
		{
			name:     "anthropic thinking block",
			provider: anthropic,
			raw:      `{"content": [{"type": "thinking", "thinking": "let me work through this"}, {"type": "text", "text": "answer"}]}`,
			want:     true,
		},
		{
			name:     "openai reasoning field",
			provider: openai,
			raw:      `{"choices": [{"message": {"content": "answer", "reasoning": "step by step"}}]}`,
			want:     true,
		},
		{
			name:     "google multi-part rationale",
			provider: google,
			raw:      `{"candidates": [{"content": {"parts": [{"text": "the rationale"}, {"text": "the answer"}]}}]}`,
			want:     true,
		},
		{
			name:     "generic reasoning-typed output block",
			provider: openai,
			raw:      `{"output": [{"type": "reasoning", "summary": [{"text": "thought about it"}]}], "choices": []}`,
			want:     true,
		},
		{
			name:     "bare answer with no rationale",
			provider: openai,
			raw:      `{"choices": [{"message": {"content": "answer"}}]}`,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectReasoning(mustParse(t, tt.raw), tt.provider, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssertGroundingAndReasoning(t *testing.T) {
	openai, err := Lookup("openai")
	require.NoError(t, err)

	t.Run("both present", func(t *testing.T) {
		raw := mustParse(t, `{"choices": [{"message": {"content": "x", "reasoning": "y", "tool_calls": [{"id": "c"}]}}]}`)
		assert.NoError(t, AssertGroundingAndReasoning(raw, openai, nil))
	})

	t.Run("missing grounding", func(t *testing.T) {
		raw := mustParse(t, `{"choices": [{"message": {"content": "x", "reasoning": "y"}}]}`)
		err := AssertGroundingAndReasoning(raw, openai, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, verr.MissingGrounding)
		assert.False(t, verr.MissingReasoning)
		assert.Equal(t, "validation_grounding", verr.Category())
	})

	t.Run("missing reasoning", func(t *testing.T) {
		raw := mustParse(t, `{"choices": [{"message": {"content": "x", "tool_calls": [{"id": "c"}]}}]}`)
		err := AssertGroundingAndReasoning(raw, openai, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, verr.MissingReasoning)
		assert.Equal(t, "validation_reasoning", verr.Category())
	})

	t.Run("missing both", func(t *testing.T) {
		raw := mustParse(t, `{"choices": [{"message": {"content": "x"}}]}`)
		err := AssertGroundingAndReasoning(raw, openai, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, verr.MissingGrounding)
		assert.True(t, verr.MissingReasoning)
		assert.Equal(t, "validation_both", verr.Category())
	})
}
