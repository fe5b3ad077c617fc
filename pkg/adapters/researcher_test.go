package adapters

import (
	"strings"
	"testing"

	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFinalJSONLine(t *testing.T) {
	lines := []string{
		"INFO starting research",
		`{"stage": "searching", "progress": 0.2, "message": "querying"}`,
		"some noise",
		`{"status": "completed", "content": "# Findings", "costs": 0.12, "visited_urls": ["https://a.b"]}`,
	}

	out, err := parseFinalJSONLine(lines)
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "# Findings", out.Content)
	assert.InDelta(t, 0.12, out.Costs, 1e-9)
	assert.Equal(t, []string{"https://a.b"}, out.VisitedURLs)
}

func TestParseFinalJSONLine_Failure(t *testing.T) {
	out, err := parseFinalJSONLine([]string{
		`{"status": "failed", "error": "no sources found", "traceback": "..."}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.Equal(t, "no sources found", out.Error)

	_, err = parseFinalJSONLine([]string{"plain text only"})
	assert.ErrorContains(t, err, "no JSON result")
}

func TestHandleProgressLine(t *testing.T) {
	type tick struct {
		stage    string
		progress float64
		message  string
	}
	var ticks []tick
	cb := func(stage string, progress float64, message string) {
		ticks = append(ticks, tick{stage, progress, message})
	}

	handleProgressLine(`{"stage": "browsing", "progress": 0.4, "message": "reading sources"}`, cb)
	handleProgressLine(`not json at all`, cb)
	handleProgressLine(`{"unrelated": "object"}`, cb)
	handleProgressLine(`{"status": "writing", "progress": 0.9}`, cb)

	require.Len(t, ticks, 2)
	assert.Equal(t, tick{"browsing", 0.4, "reading sources"}, ticks[0])
	assert.Equal(t, tick{"writing", 0.9, ""}, ticks[1])
}

func TestResearcherGenerator_BuildEnv(t *testing.T) {
	g := NewResearcherGenerator([]string{"researcher"}, "")

	env := g.buildEnv("research this topic", GenerationConfig{
		Provider:    "openai",
		Model:       "gpt-test",
		Temperature: 0.7,
		MaxTokens:   2048,
	}, GenerateOptions{
		Retriever:  "tavily",
		Tone:       "objective",
		SourceURLs: []string{"https://example.com"},
	})

	envMap := toEnvMap(env)
	assert.Equal(t, "openai:gpt-test", envMap["SMART_LLM"])
	assert.Equal(t, "openai:gpt-test", envMap["FAST_LLM"])
	assert.Equal(t, "openai:gpt-test", envMap["STRATEGIC_LLM"])
	assert.Equal(t, "2048", envMap["SMART_LLM_TOKEN_LIMIT"])
	assert.Equal(t, "2048", envMap["SUMMARY_TOKEN_LIMIT"])
	assert.Equal(t, "research this topic", envMap["RESEARCH_PROMPT"])
	assert.Equal(t, "research_report", envMap["REPORT_TYPE"])
	assert.Equal(t, "tavily", envMap["RETRIEVER"])
	assert.Equal(t, "objective", envMap["TONE"])
	assert.Contains(t, envMap["SOURCE_URLS"], "example.com")
	// No deep-research controls on the plain researcher.
	assert.NotContains(t, envMap, "BREADTH")
}

func TestResearcherGenerator_ParentEnvWins(t *testing.T) {
	// The adapter must never clobber caller-set routing.
	t.Setenv("RETRIEVER", "operator-choice")

	g := NewResearcherGenerator([]string{"researcher"}, "")
	env := g.buildEnv("q", GenerationConfig{Provider: "openai", Model: "m"}, GenerateOptions{})

	assert.Equal(t, "operator-choice", toEnvMap(env)["RETRIEVER"])
}

func TestDeepResearcherGenerator(t *testing.T) {
	g := NewDeepResearcherGenerator([]string{"researcher"}, "")
	assert.Equal(t, models.GeneratorDeepResearcher, g.Kind())
	assert.Equal(t, 20, g.defaultTimeoutMinutes())
	assert.Equal(t, 1, g.defaultRetries)

	env := g.buildEnv("q", GenerationConfig{Provider: "openai", Model: "m", MaxTokens: 1024},
		GenerateOptions{Breadth: 4, Depth: 2})
	envMap := toEnvMap(env)
	assert.Equal(t, "deep", envMap["REPORT_TYPE"])
	assert.Equal(t, "4", envMap["BREADTH"])
	assert.Equal(t, "2", envMap["DEPTH"])
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 512, clamp(100, 512, 2048))
	assert.Equal(t, 2048, clamp(9000, 512, 2048))
	assert.Equal(t, 1024, clamp(1024, 512, 2048))
}

func toEnvMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
