package forge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDoer returns canned responses in order, then repeats the last.
type scriptedDoer struct {
	responses []*http.Response
	calls     int
	requests  []*http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	i := d.calls
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	d.calls++
	return d.responses[i], nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{},
	}
}

const validOpenAIBody = `{
	"choices": [{"message": {
		"content": "# Report\n\nGrounded findings.",
		"reasoning": "worked through the sources",
		"tool_calls": [{"id": "call-1", "function": {"name": "web_search"}}]
	}}],
	"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
}`

func newRunSpec(t *testing.T) *RunSpec {
	t.Helper()
	dir := t.TempDir()
	fileA := filepath.Join(dir, "content.txt")
	fileB := filepath.Join(dir, "instructions.txt")
	require.NoError(t, os.WriteFile(fileA, []byte("the document"), 0o644))
	require.NoError(t, os.WriteFile(fileB, []byte("the instructions"), 0o644))

	return &RunSpec{
		Provider:            "openai",
		Model:               "gpt-test",
		FileA:               fileA,
		FileB:               fileB,
		Out:                 filepath.Join(dir, "output.md"),
		MaxCompletionTokens: 1024,
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		APIKey:              "sk-test",
		LogsDir:             filepath.Join(dir, "logs"),
		RunID:               "run-1",
	}
}

func newTestRunner(doer HTTPDoer) *Runner {
	return &Runner{
		Client:      doer,
		Pricing:     PricingTable{"openai/gpt-test": {InputPerMTok: 1.0, OutputPerMTok: 2.0}},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func TestRunner_Success(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{jsonResponse(200, validOpenAIBody)}}
	runner := newTestRunner(doer)
	spec := newRunSpec(t)

	outcome, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Contains(t, outcome.Content, "Grounded findings")
	assert.Equal(t, 0, outcome.Retries)
	assert.Equal(t, Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}, outcome.Usage)
	assert.InDelta(t, 100.0/1e6+2.0*50.0/1e6, outcome.CostUSD, 1e-12)

	// Output file matches returned content.
	onDisk, err := os.ReadFile(spec.Out)
	require.NoError(t, err)
	assert.Equal(t, outcome.Content, string(onDisk))

	// Bearer auth for the default provider family.
	require.NotEmpty(t, doer.requests)
	assert.Equal(t, "Bearer sk-test", doer.requests[0].Header.Get("Authorization"))
}

func TestRunner_TransientThenSuccess(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(503, "Service Unavailable"),
		jsonResponse(200, validOpenAIBody),
	}}
	runner := newTestRunner(doer)
	spec := newRunSpec(t)

	start := time.Now()
	outcome, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, 2, doer.calls)
	assert.Equal(t, 1, outcome.Retries)
	// Cost reflects a single successful call — no double billing.
	assert.InDelta(t, 100.0/1e6+2.0*50.0/1e6, outcome.CostUSD, 1e-12)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(0))
}

func TestRunner_FatalNotRetried(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{jsonResponse(401, "Unauthorized")}}
	runner := newTestRunner(doer)

	_, err := runner.Run(context.Background(), newRunSpec(t))
	require.Error(t, err)
	assert.Equal(t, 1, doer.calls, "4xx auth failures must fail fast")
}

func TestRunner_MissingGroundingWritesArtifact(t *testing.T) {
	ungrounded := `{"choices": [{"message": {"content": "answer", "reasoning": "thought"}}]}`
	doer := &scriptedDoer{responses: []*http.Response{jsonResponse(200, ungrounded)}}
	runner := newTestRunner(doer)
	spec := newRunSpec(t)

	_, err := runner.Run(context.Background(), spec)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.MissingGrounding)
	assert.Equal(t, 1, doer.calls, "validation failures are not retried in-process")

	// No output file was written.
	_, statErr := os.Stat(spec.Out)
	assert.True(t, os.IsNotExist(statErr))

	// A failure artifact exists under the logs dir.
	entries, err := os.ReadDir(spec.LogsDir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			assert.Regexp(t, `^failure-.*-openai-grounding\.json$`, e.Name())
			found = true
		}
	}
	assert.True(t, found, "expected a failure artifact in %s", spec.LogsDir)
}

func TestRunner_EmptyContentRejected(t *testing.T) {
	empty := `{"choices": [{"message": {"content": "   ", "reasoning": "r", "tool_calls": [{"id": "c"}]}}]}`
	doer := &scriptedDoer{responses: []*http.Response{jsonResponse(200, empty)}}
	runner := newTestRunner(doer)

	_, err := runner.Run(context.Background(), newRunSpec(t))
	assert.ErrorContains(t, err, "empty content")
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
	assert.Equal(t, ExitMissingGrounding, ExitCodeFor(&ValidationError{MissingGrounding: true}))
	assert.Equal(t, ExitMissingReasoning, ExitCodeFor(&ValidationError{MissingReasoning: true}))
	assert.Equal(t, ExitMissingBoth, ExitCodeFor(&ValidationError{MissingGrounding: true, MissingReasoning: true}))
	assert.Equal(t, ExitValidationUnknown, ExitCodeFor(&ValidationError{}))
	assert.Equal(t, ExitOther, ExitCodeFor(assert.AnError))
}

func TestComposePrompt(t *testing.T) {
	assert.Equal(t, "instructions\n\ndocument", composePrompt("instructions\n", "document"))
	assert.Equal(t, "instructions", composePrompt("instructions", "  "))
}
