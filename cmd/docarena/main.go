// docarena orchestrator - claims queued evaluation runs and drives each
// source document through generation, evaluation, tournament, and combine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/config"
	"github.com/docarena/docarena/pkg/database"
	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/metrics"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/queue"
	"github.com/docarena/docarena/pkg/ratelimit"
	"github.com/docarena/docarena/pkg/services"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	podID := getEnv("POD_ID", "docarena-"+uuid.NewString()[:8])
	metricsPort := getEnv("METRICS_PORT", "9090")

	log.Printf("Starting docarena")
	log.Printf("Pod ID: %s", podID)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	// Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL, schema initialized")

	// Event bus + NOTIFY listener + publisher
	bus := events.NewBus()
	listener := events.NewListener(dbConfig.ConnString(), bus)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start event listener: %v", err)
	}
	defer listener.Stop(context.Background())
	publisher := events.NewPublisher(dbClient.DB())

	// Services
	runService := services.NewRunService(dbClient.Client)
	eventService := services.NewEventService(dbClient.Client)

	// Subscriber seam: live bus delivery with persisted catch-up, replayed
	// automatically when the LISTEN connection reconnects. The external
	// edge attaches its consumers the same way the status journal below
	// does.
	subscriber := events.NewSubscriber(bus, listener, eventService)

	// Retention: prune broadcast events past their TTL. The durable record
	// lives in the run results document.
	go func() {
		ticker := time.NewTicker(cfg.Retention.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-cfg.Retention.EventTTL)
			n, err := eventService.PruneEventsBefore(context.Background(), cutoff)
			if err != nil {
				slog.Error("Event retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Pruned expired events", "count", n, "cutoff", cutoff)
			}
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Provider rate limits
	limits := ratelimit.NewRegistry(cfg.RateLimitConfigs())

	// Generator transports
	template := adapters.NewTemplateGenerator(
		cfg.Generators.ForgeBinary, cfg.Generators.EnvFile, cfg.Generators.PricingFile)
	generators := map[models.GeneratorKind]adapters.Generator{
		models.GeneratorTemplate:       template,
		models.GeneratorResearcher:     adapters.NewResearcherGenerator(cfg.Generators.ResearcherCommand, cfg.Generators.EnvFile),
		models.GeneratorDeepResearcher: adapters.NewDeepResearcherGenerator(cfg.Generators.ResearcherCommand, cfg.Generators.EnvFile),
	}

	// Run executor + worker pool
	runExecutor := queue.NewRealRunExecutor(
		generators, template, limits, runService, publisher, m, cfg.DataDir)
	pool := queue.NewWorkerPool(podID, dbClient.Client, cfg.Queue, runExecutor, eventService)

	if err := pool.CleanupStartupOrphans(ctx); err != nil {
		log.Printf("Startup orphan cleanup failed: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	// Run status journal: consume run lifecycle events through the
	// subscriber seam and mirror them into the process log.
	statusSub, err := subscriber.Subscribe(ctx, events.GlobalRunsChannel, 0)
	if err != nil {
		log.Printf("Failed to subscribe run status journal: %v", err)
	} else {
		defer statusSub.Close()
		go func() {
			for raw := range statusSub.Events {
				var status struct {
					RunID        string `json:"run_id"`
					Status       string `json:"status"`
					CurrentPhase string `json:"current_phase"`
				}
				if err := json.Unmarshal(raw, &status); err != nil {
					continue
				}
				slog.Info("Run status",
					"run_id", status.RunID,
					"status", status.Status,
					"phase", status.CurrentPhase)
			}
		}()
	}

	// Cross-pod cancellation: a NOTIFY on the control channel requests
	// cooperative cancellation of a run wherever it executes.
	listener.RegisterHandler("run_control", func(payload []byte) {
		var msg struct {
			Action string `json:"action"`
			RunID  string `json:"run_id"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("Invalid control message", "error", err)
			return
		}
		if msg.Action == "cancel" && msg.RunID != "" {
			if runExecutor.CancelRun(msg.RunID) {
				slog.Info("Run cancellation requested", "run_id", msg.RunID)
			}
		}
	})
	if err := listener.Subscribe(ctx, "run_control"); err != nil {
		log.Printf("Failed to subscribe control channel: %v", err)
	}

	// Metrics + health endpoint (operator plumbing, not the run-state edge)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := pool.Health()
		m.QueueDepth.Set(float64(health.QueueDepth))
		m.ActiveRuns.Set(float64(health.ActiveRuns))
		w.Header().Set("Content-Type", "application/json")
		if !health.IsHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: mux}
	go func() {
		log.Printf("Metrics listening on :%s", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	pool.Stop()

	log.Println("Shutdown complete")
}
