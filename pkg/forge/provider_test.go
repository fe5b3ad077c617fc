package forge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSpec() *RequestSpec {
	return &RequestSpec{
		Model:       "test-model",
		Prompt:      "do the thing",
		MaxTokens:   2048,
		Temperature: 0.3,
		APIKey:      "key-123",
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "google", "openrouter", "OpenAI"} {
		p, err := Lookup(name)
		require.NoError(t, err, name)
		require.NotNil(t, p)
	}

	_, err := Lookup("mystery")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestGoogleProvider_BuildRequest(t *testing.T) {
	p, _ := Lookup("google")
	req, err := p.BuildRequest(baseSpec())
	require.NoError(t, err)

	assert.Contains(t, req.URL, "models/test-model:generateContent")
	assert.Equal(t, "key-123", req.Headers["x-goog-api-key"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Contains(t, body, "contents")
	assert.Contains(t, body, "tools") // search grounding is always requested
}

func TestAnthropicProvider_BuildRequest(t *testing.T) {
	p, _ := Lookup("anthropic")
	req, err := p.BuildRequest(baseSpec())
	require.NoError(t, err)

	assert.Contains(t, req.URL, "/v1/messages")
	assert.Equal(t, "key-123", req.Headers["x-api-key"])
	assert.Equal(t, "2023-06-01", req.Headers["anthropic-version"])
}

func TestOpenAIProvider_BuildRequest(t *testing.T) {
	p, _ := Lookup("openai")
	spec := baseSpec()
	spec.JSONOutput = true
	req, err := p.BuildRequest(spec)
	require.NoError(t, err)

	assert.Contains(t, req.URL, "/chat/completions")
	assert.Equal(t, "Bearer key-123", req.Headers["Authorization"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	rf, _ := body["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
}

func TestParseResponse(t *testing.T) {
	google, _ := Lookup("google")
	text, err := google.ParseResponse(mustParse(t,
		`{"candidates": [{"content": {"parts": [{"text": "hello "}, {"text": "world"}]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	anthropic, _ := Lookup("anthropic")
	text, err = anthropic.ParseResponse(mustParse(t,
		`{"content": [{"type": "thinking", "thinking": "hmm"}, {"type": "text", "text": "the answer"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "the answer", text)

	openai, _ := Lookup("openai")
	text, err = openai.ParseResponse(mustParse(t,
		`{"choices": [{"message": {"content": "done"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	_, err = openai.ParseResponse(mustParse(t, `{"choices": []}`))
	assert.Error(t, err)
}
