package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Exit codes of the forge child process. The process boundary requires the
// numeric mapping; in-process callers get typed errors instead.
const (
	ExitOK                = 0
	ExitMissingGrounding  = 1
	ExitMissingReasoning  = 2
	ExitMissingBoth       = 3
	ExitValidationUnknown = 4
	ExitOther             = 5
)

// ExitCodeFor maps an error from Run to the child-process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if verr, ok := asValidationError(err); ok {
		switch {
		case verr.MissingGrounding && verr.MissingReasoning:
			return ExitMissingBoth
		case verr.MissingGrounding:
			return ExitMissingGrounding
		case verr.MissingReasoning:
			return ExitMissingReasoning
		default:
			return ExitValidationUnknown
		}
	}
	return ExitOther
}

func asValidationError(err error) (*ValidationError, bool) {
	for err != nil {
		if verr, ok := err.(*ValidationError); ok {
			return verr, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// RunSpec describes one forge invocation.
type RunSpec struct {
	Provider string
	Model    string

	// FileA is the document content path; FileB the instructions path.
	// Instructions are placed first in the composed prompt, the document
	// after.
	FileA string
	FileB string
	Out   string

	Timeout             time.Duration
	MaxCompletionTokens int
	Temperature         float64
	JSONOutput          bool

	MaxRetries int
	RetryDelay time.Duration

	APIKey  string
	BaseURL string

	// LogsDir receives validation failure artifacts (<data>/logs).
	LogsDir string
	// ValidationLogDir receives per-call validation check logs.
	ValidationLogDir string

	RunID string
}

// Outcome reports a successful forge run. The child binary prints it as a
// single JSON line on stdout for the parent adapter.
type Outcome struct {
	Content string  `json:"-"`
	CostUSD float64 `json:"cost_usd"`
	Usage   Usage   `json:"usage"`
	Retries int     `json:"retries"`
}

// HTTPDoer is the transport seam; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Runner executes forge runs.
type Runner struct {
	Client  HTTPDoer
	Pricing PricingTable

	// BackoffBase and BackoffMax bound the transient-retry jitter window.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NewRunner builds a runner with the default HTTP client.
func NewRunner(pricing PricingTable) *Runner {
	return &Runner{
		Client:      &http.Client{},
		Pricing:     pricing,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}
}

// Run performs one grounded, reasoning-verified completion: compose prompt
// from the two input files, POST to the provider with transient retries,
// enforce the grounding and reasoning signals, write the content to the
// output file.
func (r *Runner) Run(ctx context.Context, spec *RunSpec) (*Outcome, error) {
	provider, err := Lookup(spec.Provider)
	if err != nil {
		return nil, err
	}

	document, err := os.ReadFile(spec.FileA)
	if err != nil {
		return nil, fmt.Errorf("read file-a: %w", err)
	}
	instructions, err := os.ReadFile(spec.FileB)
	if err != nil {
		return nil, fmt.Errorf("read file-b: %w", err)
	}

	prompt := composePrompt(string(instructions), string(document))
	rc := NewRunContext(spec.RunID, spec.Provider, spec.Model, spec.ValidationLogDir)

	req := &RequestSpec{
		Model:       spec.Model,
		Prompt:      prompt,
		MaxTokens:   spec.MaxCompletionTokens,
		Temperature: spec.Temperature,
		JSONOutput:  spec.JSONOutput,
		APIKey:      spec.APIKey,
		BaseURL:     spec.BaseURL,
	}

	var (
		lastErr error
		retries int
	)
	for attempt := 0; attempt <= spec.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			slog.Info("Retrying forge call",
				"provider", spec.Provider, "model", spec.Model,
				"attempt", attempt+1, "error", lastErr)
			if err := sleepBackoff(ctx, attempt, r.backoffBase(spec), r.BackoffMax); err != nil {
				return nil, err
			}
		}

		outcome, err := r.attempt(ctx, provider, req, spec, rc)
		if err == nil {
			outcome.Retries = retries
			return outcome, nil
		}
		lastErr = err

		if _, ok := asValidationError(err); ok {
			// Validation failures fail fast: the model is unlikely to add
			// grounding on a rerun with identical input. The artifact was
			// written where the raw payload was still in hand.
			return nil, err
		}
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("forge call failed after %d attempts: %w", spec.MaxRetries+1, lastErr)
}

func (r *Runner) backoffBase(spec *RunSpec) time.Duration {
	if spec.RetryDelay > 0 {
		return spec.RetryDelay
	}
	return r.BackoffBase
}

func (r *Runner) attempt(ctx context.Context, provider Provider, req *RequestSpec, spec *RunSpec, rc *RunContext) (*Outcome, error) {
	httpReq, err := provider.BuildRequest(req)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	raw, err := r.post(callCtx, httpReq)
	if err != nil {
		return nil, err
	}

	if verr := AssertGroundingAndReasoning(raw, provider, rc); verr != nil {
		// Re-wrap with the artifact payload attached for the caller.
		if ve, ok := verr.(*ValidationError); ok {
			if _, aerr := WriteFailureArtifact(spec.LogsDir, spec.Provider, httpReq.URL, ve, raw); aerr != nil {
				slog.Warn("Failed to write failure artifact", "error", aerr)
			}
		}
		return nil, verr
	}

	content, err := provider.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("provider returned empty content")
	}

	if spec.Out != "" {
		if err := os.WriteFile(spec.Out, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write output file: %w", err)
		}
	}

	usage := ExtractUsage(raw)
	return &Outcome{
		Content: content,
		Usage:   usage,
		CostUSD: r.Pricing.Cost(spec.Provider, spec.Model, usage),
	}, nil
}

func (r *Runner) post(ctx context.Context, hr *HTTPRequest) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hr.URL, bytes.NewReader(hr.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range hr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return raw, nil
}

// composePrompt places the instructions first and the document after, the
// order the judge and generation templates assume.
func composePrompt(instructions, document string) string {
	instructions = strings.TrimRight(instructions, "\n")
	if strings.TrimSpace(document) == "" {
		return instructions
	}
	return instructions + "\n\n" + document
}
