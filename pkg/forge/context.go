package forge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunContext carries per-call identity through the validation path. It is an
// explicit value passed down the stack — there is no ambient or thread-local
// state, so concurrent runs cannot contaminate each other's logs.
type RunContext struct {
	RunID    string
	Provider string
	Model    string
	LogDir   string

	mu      sync.Mutex
	logPath string
}

// NewRunContext creates a context for one forge call. logDir may be empty,
// in which case validation checks are logged via slog only.
func NewRunContext(runID, provider, model, logDir string) *RunContext {
	rc := &RunContext{
		RunID:    runID,
		Provider: provider,
		Model:    model,
		LogDir:   logDir,
	}
	if logDir != "" {
		ts := time.Now().UTC().Format("20060102T150405")
		rc.logPath = filepath.Join(logDir, fmt.Sprintf("%s-%s-validation.json", ts, runID))
	}
	return rc
}

// logCheck records one validation check. Nil receivers are tolerated so
// callers deep in the detection code never need to guard.
func (rc *RunContext) logCheck(category, check string, result bool, details map[string]any) {
	if rc == nil {
		return
	}
	slog.Debug("Validation check",
		"run_id", rc.RunID,
		"provider", rc.Provider,
		"category", category,
		"check", check,
		"result", result)

	if rc.logPath == "" {
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"run_id":    rc.RunID,
		"provider":  rc.Provider,
		"model":     rc.Model,
		"category":  category,
		"check":     check,
		"result":    result,
		"details":   details,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(rc.logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(rc.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
