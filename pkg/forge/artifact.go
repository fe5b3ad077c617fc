package forge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FailureArtifact is the post-mortem record written when a response fails
// strict validation.
type FailureArtifact struct {
	Provider           string   `json:"provider"`
	URL                string   `json:"url"`
	Timestamp          string   `json:"timestamp"`
	Error              string   `json:"error"`
	ValidationCategory string   `json:"validation_category"`
	MissingGrounding   bool     `json:"missing_grounding"`
	MissingReasoning   bool     `json:"missing_reasoning"`
	ResponseTopKeys    []string `json:"response_top_keys"`
	ResponseBytes      int      `json:"response_bytes"`
}

// WriteFailureArtifact persists a validation-failure artifact under
// <logsDir>/failure-<UTC compact>-<provider>-grounding.json and returns the
// path. Artifact writing is best-effort: an error is logged and returned but
// callers treat it as non-fatal.
func WriteFailureArtifact(logsDir, provider, url string, verr *ValidationError, raw map[string]any) (string, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("create failure artifact dir: %w", err)
	}

	now := time.Now().UTC()
	artifact := FailureArtifact{
		Provider:           provider,
		URL:                url,
		Timestamp:          now.Format(time.RFC3339),
		Error:              verr.Message,
		ValidationCategory: verr.Category(),
		MissingGrounding:   verr.MissingGrounding,
		MissingReasoning:   verr.MissingReasoning,
		ResponseTopKeys:    topKeys(raw),
	}
	if raw != nil {
		if b, err := json.Marshal(raw); err == nil {
			artifact.ResponseBytes = len(b)
		}
	}

	name := fmt.Sprintf("failure-%s-%s-grounding.json", now.Format("20060102T150405"), provider)
	path := filepath.Join(logsDir, name)

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write failure artifact: %w", err)
	}

	slog.Warn("Wrote validation failure artifact",
		"path", path,
		"provider", provider,
		"category", verr.Category())
	return path, nil
}
