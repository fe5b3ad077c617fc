// Package config loads and validates the system configuration: provider
// rate limits, pricing, generator wiring, and queue settings.
package config

import (
	"time"

	"github.com/docarena/docarena/pkg/forge"
	"github.com/docarena/docarena/pkg/ratelimit"
)

// ProviderConfig holds one provider's rate-limit settings.
type ProviderConfig struct {
	// MinDelay is the minimum interval between requests to this provider,
	// as a Go duration string in YAML ("500ms", "1s").
	MinDelay time.Duration `yaml:"min_delay"`

	// MaxConcurrent is an optional provider-specific concurrency cap in
	// addition to the global generation semaphore. 0 = no cap.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// GeneratorsConfig wires the external generator processes.
type GeneratorsConfig struct {
	// ForgeBinary locates the template-runner child executable.
	ForgeBinary string `yaml:"forge_binary"`

	// ResearcherCommand is the researcher entrypoint argv.
	ResearcherCommand []string `yaml:"researcher_command"`

	// EnvFile carries provider API keys for child processes.
	EnvFile string `yaml:"env_file"`

	// PricingFile is the pricing table passed to the forge child.
	PricingFile string `yaml:"pricing_file"`
}

// Config is the loaded, validated system configuration.
type Config struct {
	configDir string

	// DataDir roots the per-user run artifact layout.
	DataDir string

	Providers  map[string]ProviderConfig
	Pricing    forge.PricingTable
	Generators GeneratorsConfig
	Queue      *QueueConfig
	Retention  *RetentionConfig
}

// RateLimitConfigs converts the provider settings into rate-registry gate
// configs.
func (c *Config) RateLimitConfigs() map[string]ratelimit.GateConfig {
	out := make(map[string]ratelimit.GateConfig, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = ratelimit.GateConfig{
			MinDelay:      p.MinDelay,
			MaxConcurrent: p.MaxConcurrent,
		}
	}
	return out
}

// Stats summarises the loaded configuration for startup logging.
type Stats struct {
	Providers     int
	PricedModels  int
	WorkerCount   int
	MaxConcurrent int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:     len(c.Providers),
		PricedModels:  len(c.Pricing),
		WorkerCount:   c.Queue.WorkerCount,
		MaxConcurrent: c.Queue.MaxConcurrentRuns,
	}
}
