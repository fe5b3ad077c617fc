package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/docarena/docarena/pkg/forge"
	"gopkg.in/yaml.v3"
)

// docarenaYAML is the docarena.yaml file structure.
type docarenaYAML struct {
	DataDir    string            `yaml:"data_dir"`
	Generators *GeneratorsConfig `yaml:"generators"`
	Queue      *QueueConfig      `yaml:"queue"`
	Retention  *RetentionConfig  `yaml:"retention"`
}

// llmProvidersYAML is the llm-providers.yaml file structure.
type llmProvidersYAML struct {
	Providers map[string]ProviderConfig     `yaml:"providers"`
	Pricing   map[string]forge.ModelPrice   `yaml:"pricing"`
}

// builtinProviders are the default per-provider delays applied when the
// config file does not override them.
var builtinProviders = map[string]ProviderConfig{
	"anthropic":  {MinDelay: time.Second},
	"openai":     {MinDelay: 500 * time.Millisecond},
	"google":     {MinDelay: 500 * time.Millisecond},
	"openrouter": {MinDelay: 500 * time.Millisecond},
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge built-in + user-defined configuration
//  4. Apply default values
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"priced_models", stats.PricedModels,
		"worker_count", stats.WorkerCount,
		"max_concurrent_runs", stats.MaxConcurrent)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var main docarenaYAML
	if err := loader.loadYAML("docarena.yaml", &main); err != nil {
		return nil, err
	}

	var providers llmProvidersYAML
	if err := loader.loadYAML("llm-providers.yaml", &providers); err != nil {
		return nil, err
	}

	// Merge built-in provider defaults: user settings override built-in.
	merged := make(map[string]ProviderConfig, len(builtinProviders))
	for name, p := range builtinProviders {
		merged[name] = p
	}
	for name, p := range providers.Providers {
		merged[name] = p
	}

	// Queue: start from defaults, merge user config on top so unset
	// fields keep their defaults.
	queueConfig := DefaultQueueConfig()
	if main.Queue != nil {
		if err := mergo.Merge(queueConfig, main.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	retentionConfig := DefaultRetentionConfig()
	if main.Retention != nil {
		if err := mergo.Merge(retentionConfig, main.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	generators := GeneratorsConfig{}
	if main.Generators != nil {
		generators = *main.Generators
	}
	if generators.ForgeBinary == "" {
		generators.ForgeBinary = "forge"
	}

	dataDir := main.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	pricing := make(forge.PricingTable, len(providers.Pricing))
	for key, price := range providers.Pricing {
		pricing[key] = price
	}

	return &Config{
		configDir:  configDir,
		DataDir:    dataDir,
		Providers:  merged,
		Pricing:    pricing,
		Generators: generators,
		Queue:      queueConfig,
		Retention:  retentionConfig,
	}, nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}

	// Expand environment variables before parsing.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", filename, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	for name, p := range cfg.Providers {
		if p.MinDelay < 0 {
			return fmt.Errorf("provider %s: min_delay must be >= 0", name)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("provider %s: max_concurrent must be >= 0", name)
		}
	}
	for key, price := range cfg.Pricing {
		if price.InputPerMTok < 0 || price.OutputPerMTok < 0 {
			return fmt.Errorf("pricing %s: rates must be >= 0", key)
		}
	}

	q := cfg.Queue
	if q.WorkerCount < 1 {
		return fmt.Errorf("queue: worker_count must be >= 1")
	}
	if q.MaxConcurrentRuns < 1 {
		return fmt.Errorf("queue: max_concurrent_runs must be >= 1")
	}
	if q.RunTimeout <= 0 {
		return fmt.Errorf("queue: run_timeout must be > 0")
	}
	if q.HeartbeatInterval <= 0 || q.HeartbeatInterval >= q.OrphanThreshold {
		return fmt.Errorf("queue: heartbeat_interval must be > 0 and below orphan_threshold")
	}
	if q.EventCleanupGrace < 0 {
		return fmt.Errorf("queue: event_cleanup_grace must be >= 0")
	}

	r := cfg.Retention
	if r.EventTTL <= 0 {
		return fmt.Errorf("retention: event_ttl must be > 0")
	}
	if r.CleanupInterval <= 0 {
		return fmt.Errorf("retention: cleanup_interval must be > 0")
	}

	if len(cfg.Generators.ResearcherCommand) == 0 {
		slog.Warn("No researcher command configured; researcher generators will fail if selected")
	}
	return nil
}
