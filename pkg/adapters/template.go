package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docarena/docarena/pkg/forge"
	"github.com/docarena/docarena/pkg/models"
)

// TemplateGenerator runs the forge child binary: instructions and document
// go in as temp files, validated markdown comes back out. The child's exit
// code communicates validation failures (see pkg/forge).
type TemplateGenerator struct {
	// BinaryPath locates the forge executable.
	BinaryPath string
	// EnvFile is passed to the child for API key loading.
	EnvFile string
	// PricingFile is passed to the child for cost attribution.
	PricingFile string

	mu     sync.Mutex
	active map[string]*exec.Cmd
}

// NewTemplateGenerator creates the template transport.
func NewTemplateGenerator(binaryPath, envFile, pricingFile string) *TemplateGenerator {
	return &TemplateGenerator{
		BinaryPath:  binaryPath,
		EnvFile:     envFile,
		PricingFile: pricingFile,
		active:      make(map[string]*exec.Cmd),
	}
}

// Kind implements Generator.
func (g *TemplateGenerator) Kind() models.GeneratorKind { return models.GeneratorTemplate }

// childStats is the single JSON line the forge child prints on success.
type childStats struct {
	CostUSD float64     `json:"cost_usd"`
	Usage   forge.Usage `json:"usage"`
	Retries int         `json:"retries"`
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, query string, cfg GenerationConfig, opts GenerateOptions) (*GenerationResult, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("template generator requires a task id")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("template generator requires instructions")
	}

	startedAt := time.Now()

	tmpDir, err := os.MkdirTemp("", "forge-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	fileA := filepath.Join(tmpDir, "content.txt")
	fileB := filepath.Join(tmpDir, "instructions.txt")
	outPath := filepath.Join(tmpDir, "output.md")

	if err := os.WriteFile(fileA, []byte(opts.DocumentContent), 0o644); err != nil {
		return nil, fmt.Errorf("write document file: %w", err)
	}
	if err := os.WriteFile(fileB, []byte(query), 0o644); err != nil {
		return nil, fmt.Errorf("write instructions file: %w", err)
	}

	args := g.buildArgs(fileA, fileB, outPath, cfg, opts)

	cmd := exec.Command(g.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.mu.Lock()
	g.active[opts.TaskID] = cmd
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.active, opts.TaskID)
		g.mu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start forge child: %w", err)
	}

	// The child enforces the request timeout itself; the parent deadline
	// adds a buffer so a wedged child cannot hang the pipeline.
	deadline := opts.Timeout + 30*time.Second
	if opts.Timeout == 0 {
		deadline = 0
	}
	if err := waitWithDeadline(ctx, cmd, deadline); err != nil {
		if errors.Is(err, errDeadline) {
			return nil, fmt.Errorf("forge task %s timed out after %s", opts.TaskID, deadline)
		}
		return nil, err
	}

	if code := cmd.ProcessState.ExitCode(); code != forge.ExitOK {
		return nil, childExitError(code, opts.TaskID, stderr.String())
	}

	content, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read forge output: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, fmt.Errorf("forge task %s produced empty output", opts.TaskID)
	}

	stats := parseChildStats(stdout.Bytes())
	completedAt := time.Now()

	return &GenerationResult{
		Generator:       models.GeneratorTemplate,
		TaskID:          opts.TaskID,
		Content:         string(content),
		ContentType:     "markdown",
		Model:           cfg.Model,
		Provider:        cfg.Provider,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		InputTokens:     stats.Usage.PromptTokens,
		OutputTokens:    stats.Usage.CompletionTokens,
		TotalTokens:     stats.Usage.TotalTokens,
		CostUSD:         stats.CostUSD,
		Status:          TaskCompleted,
		Metadata:        map[string]any{"retries": stats.Retries},
	}, nil
}

// Cancel terminates a running forge child with a two-phase shutdown.
func (g *TemplateGenerator) Cancel(taskID string) bool {
	g.mu.Lock()
	cmd := g.active[taskID]
	g.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	terminateProcess(cmd)
	return true
}

func (g *TemplateGenerator) buildArgs(fileA, fileB, out string, cfg GenerationConfig, opts GenerateOptions) []string {
	args := []string{
		"--file-a", fileA,
		"--file-b", fileB,
		"--out", out,
		"--provider", cfg.Provider,
		"--model", cfg.Model,
		"--temperature", strconv.FormatFloat(cfg.Temperature, 'f', -1, 64),
		"--max-completion-tokens", strconv.Itoa(cfg.MaxTokens),
		"--verbose",
	}
	if g.EnvFile != "" {
		args = append(args, "--env", g.EnvFile)
	}
	if g.PricingFile != "" {
		args = append(args, "--pricing", g.PricingFile)
	}
	if opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(opts.Timeout.Seconds())))
	}
	if opts.MaxRetries > 0 {
		args = append(args, "--max-retries", strconv.Itoa(opts.MaxRetries))
	}
	if opts.RetryDelay > 0 {
		args = append(args, "--retry-delay", strconv.FormatFloat(opts.RetryDelay.Seconds(), 'f', -1, 64))
	}
	if opts.LogsDir != "" {
		args = append(args, "--logs-dir", opts.LogsDir)
	}
	if opts.ChildLogFile != "" {
		args = append(args, "--log-file", opts.ChildLogFile)
	}
	if opts.JSONOutput {
		args = append(args, "--json")
	}
	if opts.RunID != "" {
		args = append(args, "--run-id", opts.RunID)
	}
	return args
}

// childExitError maps the forge exit-code protocol back to typed errors so
// the pipeline can surface validation failures distinctly.
func childExitError(code int, taskID, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	switch code {
	case forge.ExitMissingGrounding:
		return &forge.ValidationError{
			Message:          fmt.Sprintf("forge task %s: response missing grounding", taskID),
			MissingGrounding: true,
		}
	case forge.ExitMissingReasoning:
		return &forge.ValidationError{
			Message:          fmt.Sprintf("forge task %s: response missing reasoning", taskID),
			MissingReasoning: true,
		}
	case forge.ExitMissingBoth:
		return &forge.ValidationError{
			Message:          fmt.Sprintf("forge task %s: response missing grounding and reasoning", taskID),
			MissingGrounding: true,
			MissingReasoning: true,
		}
	case forge.ExitValidationUnknown:
		return &forge.ValidationError{
			Message: fmt.Sprintf("forge task %s: unknown validation failure: %s", taskID, stderr),
		}
	default:
		return fmt.Errorf("forge task %s failed with exit code %d: %s", taskID, code, stderr)
	}
}

func parseChildStats(stdout []byte) childStats {
	var stats childStats
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var s childStats
		if err := json.Unmarshal([]byte(line), &s); err == nil {
			stats = s
		}
	}
	return stats
}

var errDeadline = errors.New("deadline exceeded")

// waitWithDeadline waits for the child, killing it (two-phase) on deadline
// or context cancellation.
func waitWithDeadline(ctx context.Context, cmd *exec.Cmd, deadline time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil // exit code handled by the caller
			}
			return fmt.Errorf("wait for child: %w", err)
		}
		return nil
	case <-timer:
		terminateProcess(cmd)
		<-done
		return errDeadline
	case <-ctx.Done():
		terminateProcess(cmd)
		<-done
		return ctx.Err()
	}
}

// terminateProcess performs the two-phase shutdown: terminate, wait up to
// 5s, kill, wait up to 2s.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	if waitExited(cmd, 5*time.Second) {
		return
	}
	slog.Warn("Child did not terminate gracefully, force killing", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	waitExited(cmd, 2*time.Second)
}

// waitExited polls for process exit. The actual reaping happens in the
// cmd.Wait goroutine; ProcessState becomes non-nil once it returns.
func waitExited(cmd *exec.Cmd, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cmd.ProcessState != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return cmd.ProcessState != nil
}
