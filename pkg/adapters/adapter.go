// Package adapters provides the generator transports: the template runner
// (forge child process), the researcher subprocess, and its deep-research
// variant. All transports expose the same Generate contract; the pipeline
// never sees transport details.
package adapters

import (
	"context"
	"time"

	"github.com/docarena/docarena/pkg/models"
)

// TaskStatus is the terminal status of one generation call.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// GenerationConfig selects the provider, model and sampling parameters for
// one call.
type GenerationConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// ProgressFunc receives streamed progress from generators that report it.
// stage is a short phase tag, progress is in [0,1].
type ProgressFunc func(stage string, progress float64, message string)

// GenerateOptions carries per-call settings shared by all transports plus
// the subprocess-specific knobs.
type GenerateOptions struct {
	TaskID string
	RunID  string

	// DocumentContent is the source document passed alongside the query.
	// The template runner receives it as file-a; the researcher appends it
	// to the research prompt.
	DocumentContent string

	Timeout    time.Duration
	JSONOutput bool

	// Template-runner retry settings, passed through to the child.
	MaxRetries int
	RetryDelay time.Duration

	// LogsDir receives validation failure artifacts.
	LogsDir string
	// ChildLogFile routes the forge child's logs to a file (VERBOSE runs).
	ChildLogFile string
	// SuppressChildLogs is not read by any transport; setting it does not
	// change child logging.
	SuppressChildLogs bool

	// Researcher subprocess settings.
	TimeoutMinutes    int
	SubprocessRetries int
	Retriever         string
	Tone              string
	SourceURLs        []string
	Breadth           int
	Depth             int

	Progress ProgressFunc
}

// GenerationResult is the uniform outcome of one generator call.
type GenerationResult struct {
	Generator models.GeneratorKind
	TaskID    string

	Content     string
	ContentType string

	Model    string
	Provider string

	StartedAt       time.Time
	CompletedAt     time.Time
	DurationSeconds float64

	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64

	Status       TaskStatus
	ErrorMessage string
	Metadata     map[string]any
}

// Generator is the uniform transport contract.
type Generator interface {
	// Kind identifies the generator for doc ids and timeline events.
	Kind() models.GeneratorKind

	// Generate produces one candidate document. A nil error implies
	// non-empty content and Status == TaskCompleted.
	Generate(ctx context.Context, query string, cfg GenerationConfig, opts GenerateOptions) (*GenerationResult, error)
}
