package adapters

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docarena/docarena/pkg/forge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateGenerator_BuildArgs(t *testing.T) {
	g := NewTemplateGenerator("/usr/local/bin/forge", "/etc/docarena/.env", "/etc/docarena/pricing.yaml")

	args := g.buildArgs("/tmp/a", "/tmp/b", "/tmp/out", GenerationConfig{
		Provider:    "anthropic",
		Model:       "claude-test",
		Temperature: 0.2,
		MaxTokens:   4096,
	}, GenerateOptions{
		Timeout:    10 * time.Minute,
		MaxRetries: 2,
		RetryDelay: 1500 * time.Millisecond,
		LogsDir:    "/data/logs",
		JSONOutput: true,
		RunID:      "run-7",
	})

	joined := map[string]string{}
	boolFlags := map[string]bool{}
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			joined[args[i]] = args[i+1]
			i++
		} else {
			boolFlags[args[i]] = true
		}
	}
	assert.Equal(t, "/tmp/a", joined["--file-a"])
	assert.Equal(t, "/tmp/b", joined["--file-b"])
	assert.Equal(t, "/tmp/out", joined["--out"])
	assert.Equal(t, "anthropic", joined["--provider"])
	assert.Equal(t, "claude-test", joined["--model"])
	assert.Equal(t, "4096", joined["--max-completion-tokens"])
	assert.Equal(t, "600", joined["--timeout"])
	assert.Equal(t, "2", joined["--max-retries"])
	assert.Equal(t, "1.5", joined["--retry-delay"])
	assert.Equal(t, "/data/logs", joined["--logs-dir"])
	assert.Equal(t, "/etc/docarena/.env", joined["--env"])
	assert.Equal(t, "/etc/docarena/pricing.yaml", joined["--pricing"])
	assert.Equal(t, "run-7", joined["--run-id"])
	assert.True(t, boolFlags["--json"])
	assert.True(t, boolFlags["--verbose"])
}

func TestChildExitError(t *testing.T) {
	tests := []struct {
		code             int
		missingGrounding bool
		missingReasoning bool
	}{
		{forge.ExitMissingGrounding, true, false},
		{forge.ExitMissingReasoning, false, true},
		{forge.ExitMissingBoth, true, true},
		{forge.ExitValidationUnknown, false, false},
	}
	for _, tt := range tests {
		err := childExitError(tt.code, "task-1", "stderr text")
		var verr *forge.ValidationError
		require.ErrorAs(t, err, &verr, "exit code %d", tt.code)
		assert.Equal(t, tt.missingGrounding, verr.MissingGrounding)
		assert.Equal(t, tt.missingReasoning, verr.MissingReasoning)
	}

	// Exit 5 and anything else is a plain error, not a validation failure.
	err := childExitError(forge.ExitOther, "task-1", "boom")
	require.Error(t, err)
	var verr *forge.ValidationError
	assert.False(t, errors.As(err, &verr))
	assert.ErrorContains(t, err, "exit code 5")
}

func TestParseChildStats(t *testing.T) {
	stdout := []byte(`starting up
{"cost_usd": 0.0042, "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}, "retries": 1}
`)
	stats := parseChildStats(stdout)
	assert.InDelta(t, 0.0042, stats.CostUSD, 1e-9)
	assert.Equal(t, 10, stats.Usage.PromptTokens)
	assert.Equal(t, 1, stats.Retries)

	// Garbage stdout yields zero stats, not an error.
	assert.Zero(t, parseChildStats([]byte("no json here")).CostUSD)
}
