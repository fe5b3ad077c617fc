package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, main, providers string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docarena.yaml"), []byte(main), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm-providers.yaml"), []byte(providers), 0o644))
	return dir
}

const minimalProvidersYAML = `
providers:
  openai:
    min_delay: 250ms
pricing:
  openai/gpt-test:
    input_per_mtok: 2.5
    output_per_mtok: 10.0
`

func TestInitialize(t *testing.T) {
	dir := writeConfigDir(t, `
data_dir: /srv/docarena/data
generators:
  forge_binary: /usr/local/bin/forge
  researcher_command: ["python", "-m", "researcher"]
  env_file: /etc/docarena/.env
queue:
  worker_count: 2
  run_timeout: 4h
`, minimalProvidersYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/srv/docarena/data", cfg.DataDir)
	assert.Equal(t, "/usr/local/bin/forge", cfg.Generators.ForgeBinary)
	assert.Equal(t, []string{"python", "-m", "researcher"}, cfg.Generators.ResearcherCommand)

	// User override wins over the built-in default.
	assert.Equal(t, 250*time.Millisecond, cfg.Providers["openai"].MinDelay)
	// Built-in defaults survive for untouched providers.
	assert.Equal(t, time.Second, cfg.Providers["anthropic"].MinDelay)

	// Queue: explicit values override, the rest keep defaults.
	assert.Equal(t, 2, cfg.Queue.WorkerCount)
	assert.Equal(t, 4*time.Hour, cfg.Queue.RunTimeout)
	assert.Equal(t, DefaultQueueConfig().PollInterval, cfg.Queue.PollInterval)

	// Pricing round-trips.
	assert.InDelta(t, 2.5, cfg.Pricing["openai/gpt-test"].InputPerMTok, 1e-9)

	stats := cfg.Stats()
	assert.GreaterOrEqual(t, stats.Providers, 4)
	assert.Equal(t, 1, stats.PricedModels)
}

func TestInitialize_Defaults(t *testing.T) {
	dir := writeConfigDir(t, "{}\n", "{}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "forge", cfg.Generators.ForgeBinary)
	assert.Equal(t, DefaultQueueConfig().WorkerCount, cfg.Queue.WorkerCount)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DATA_DIR", "/mnt/expanded")
	dir := writeConfigDir(t, "data_dir: ${TEST_DATA_DIR}\n", "{}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/expanded", cfg.DataDir)
}

func TestInitialize_MissingFiles(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "config file not found")
}

func TestInitialize_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		main      string
		providers string
		wantErr   string
	}{
		{
			name:      "negative min delay",
			main:      "{}\n",
			providers: "providers:\n  openai:\n    min_delay: -1s\n",
			wantErr:   "min_delay",
		},
		{
			name:      "zero workers",
			main:      "queue:\n  worker_count: -1\n",
			providers: "{}\n",
			wantErr:   "worker_count",
		},
		{
			name:      "negative pricing",
			main:      "{}\n",
			providers: "pricing:\n  openai/m:\n    input_per_mtok: -3\n",
			wantErr:   "rates",
		},
		{
			name:      "heartbeat above orphan threshold",
			main:      "queue:\n  heartbeat_interval: 10m\n  orphan_threshold: 5m\n",
			providers: "{}\n",
			wantErr:   "heartbeat_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfigDir(t, tt.main, tt.providers)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
