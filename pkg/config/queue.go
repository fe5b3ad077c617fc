package config

import "time"

// QueueConfig contains queue and worker pool configuration. These values
// control how runs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the global limit of concurrent runs being
	// processed across ALL replicas/pods. Enforced by database COUNT(*).
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking pending runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout is the maximum time a run can be processed. Evaluation
	// runs span hours, so this defaults far above session-style queues.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active runs to
	// complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for orphaned runs.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a run can go without a heartbeat before
	// it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// HeartbeatInterval is how often a worker refreshes a claimed run's
	// last_interaction_at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// EventCleanupGrace is how long after a run reaches a terminal state
	// its broadcast events stay queryable for late subscriber catch-up.
	EventCleanupGrace time.Duration `yaml:"event_cleanup_grace"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             3,
		MaxConcurrentRuns:       3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              8 * time.Hour,
		GracefulShutdownTimeout: 30 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		EventCleanupGrace:       60 * time.Second,
	}
}

// RetentionConfig bounds how long persisted broadcast events are kept.
type RetentionConfig struct {
	// EventTTL is the maximum age of rows in the events table.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the retention pruner runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:        24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}
