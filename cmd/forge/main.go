// forge runs a single grounded LLM completion: instructions + document in,
// validated markdown out. It is spawned as a child process by the template
// generator adapter; the exit code communicates validation outcomes across
// the process boundary (0 ok, 1 missing grounding, 2 missing reasoning,
// 3 both, 4 unknown validation failure, 5 any other error).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docarena/docarena/pkg/forge"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// apiKeyEnv maps provider names to the environment variable carrying their
// credential.
var apiKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

type pricingFile struct {
	Pricing forge.PricingTable `yaml:"pricing"`
}

func main() {
	var (
		fileA      = flag.String("file-a", "", "Path to the document content file")
		fileB      = flag.String("file-b", "", "Path to the instructions file")
		out        = flag.String("out", "", "Path to write the generated output")
		provider   = flag.String("provider", "", "Provider name")
		model      = flag.String("model", "", "Model name")
		envFile    = flag.String("env", "", "Optional .env file with API keys")
		pricing    = flag.String("pricing", "", "Optional pricing table YAML")
		timeout    = flag.Int("timeout", 600, "Request timeout in seconds")
		maxTokens  = flag.Int("max-completion-tokens", 16384, "Max completion tokens")
		temp       = flag.Float64("temperature", 0.0, "Sampling temperature")
		jsonOut    = flag.Bool("json", false, "Request JSON output")
		maxRetries = flag.Int("max-retries", 3, "Max retries for transient errors")
		retryDelay = flag.Float64("retry-delay", 0.5, "Base retry delay in seconds")
		logsDir    = flag.String("logs-dir", "logs", "Directory for failure artifacts")
		logFile    = flag.String("log-file", "", "Optional log file (default stderr)")
		runID      = flag.String("run-id", "", "Run identifier for log correlation")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if *fileA == "" || *fileB == "" || *out == "" || *provider == "" || *model == "" {
		fmt.Fprintln(os.Stderr, "forge: --file-a, --file-b, --out, --provider and --model are required")
		os.Exit(forge.ExitOther)
	}

	setupLogging(*logFile, *verbose)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("Could not load env file", "path", *envFile, "error", err)
		}
	}

	apiKey := os.Getenv(apiKeyEnv[strings.ToLower(*provider)])
	if apiKey == "" {
		slog.Error("Missing API key for provider", "provider", *provider)
		os.Exit(forge.ExitOther)
	}

	var table forge.PricingTable
	if *pricing != "" {
		data, err := os.ReadFile(*pricing)
		if err != nil {
			slog.Warn("Could not read pricing table", "path", *pricing, "error", err)
		} else {
			var pf pricingFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				slog.Warn("Could not parse pricing table", "path", *pricing, "error", err)
			} else {
				table = pf.Pricing
			}
		}
	}

	spec := &forge.RunSpec{
		Provider:            *provider,
		Model:               *model,
		FileA:               *fileA,
		FileB:               *fileB,
		Out:                 *out,
		Timeout:             time.Duration(*timeout) * time.Second,
		MaxCompletionTokens: *maxTokens,
		Temperature:         *temp,
		JSONOutput:          *jsonOut,
		MaxRetries:          *maxRetries,
		RetryDelay:          time.Duration(*retryDelay * float64(time.Second)),
		APIKey:              apiKey,
		LogsDir:             *logsDir,
		ValidationLogDir:    *logsDir + "/validation",
		RunID:               *runID,
	}

	runner := forge.NewRunner(table)
	outcome, err := runner.Run(context.Background(), spec)
	if err != nil {
		slog.Error("Forge run failed", "provider", *provider, "model", *model, "error", err)
		os.Exit(forge.ExitCodeFor(err))
	}

	// The parent adapter reads this single JSON line for cost attribution.
	stats, _ := json.Marshal(outcome)
	fmt.Println(string(stats))
}

func setupLogging(logFile string, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	w := os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			w = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
