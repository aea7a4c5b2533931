// Command runner crawls the work-item corpus: it queries every configured
// AI provider about each pending item and persists the responses. Batches
// run under a Temporal workflow when enabled, or on demand through the HTTP
// control surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"github.com/llmrank/runner/internal/config"
	"github.com/llmrank/runner/internal/llm"
	"github.com/llmrank/runner/internal/llm/circuitbreaker"
	"github.com/llmrank/runner/internal/llm/keypool"
	"github.com/llmrank/runner/internal/llm/providers"
	"github.com/llmrank/runner/internal/llm/ratelimit"
	"github.com/llmrank/runner/internal/llm/usage"
	"github.com/llmrank/runner/internal/scheduler"
	"github.com/llmrank/runner/internal/store/postgres"
	"github.com/llmrank/runner/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("runner exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxRetries, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sched, err := buildScheduler(cfg, st, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           controlMux(sched, st, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("control surface listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Temporal.Enabled {
		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to temporal: %w", err)
		}
		defer tc.Close()

		w, err := worker.New(tc, sched, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := w.Run(nil); err != nil {
				return fmt.Errorf("temporal worker: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			w.Stop()
			return nil
		})
	}

	return g.Wait()
}

// buildScheduler assembles the credential pool, pipeline, and scheduler
// from configuration.
func buildScheduler(cfg *config.Config, st *postgres.Store, logger *slog.Logger) (*scheduler.Scheduler, error) {
	poolCreds := make(map[string][]keypool.CredentialConfig, len(cfg.Providers))
	specs := make([]providers.Spec, 0, len(cfg.Providers))
	plans := make([]scheduler.ProviderPlan, 0, len(cfg.Providers))

	for _, p := range cfg.Providers {
		specs = append(specs, providers.Spec{
			Name:     p.Name,
			Shape:    providers.Shape(p.Shape),
			Endpoint: p.Endpoint,
		})
		plans = append(plans, scheduler.ProviderPlan{Name: p.Name, Models: p.Models})

		creds := make([]keypool.CredentialConfig, 0, len(p.Keys))
		for _, k := range p.Keys {
			creds = append(creds, keypool.CredentialConfig{
				ID:       k.ID,
				Key:      k.Key,
				Capacity: k.Capacity,
				Window:   k.Window,
			})
		}
		poolCreds[p.Name] = creds
	}

	pool, err := keypool.NewPool(poolCreds, circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential pool: %w", err)
	}

	pricing := make([]usage.PricingEntry, 0, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		pricing = append(pricing, usage.PricingEntry{
			Provider:          p.Provider,
			Model:             p.Model,
			PromptCostPer1000: p.PromptCostPer1000,
			OutputCostPer1000: p.OutputCostPer1000,
		})
	}

	var global *ratelimit.GlobalLimiter
	if cfg.Redis.Enabled {
		global = ratelimit.New(ratelimit.Config{
			Enabled:           true,
			RedisAddr:         cfg.Redis.Addr,
			RedisPassword:     cfg.Redis.Password,
			RedisDB:           cfg.Redis.DB,
			ConnectTimeout:    cfg.Redis.ConnectTimeout,
			RequestsPerWindow: cfg.Redis.RequestsPerWindow,
			Window:            cfg.Redis.Window,
		}, nil, logger)
	}

	llmClient, err := llm.NewClient(llm.Config{
		Providers:   specs,
		Pool:        pool,
		Pricing:     usage.NewTable(pricing),
		Global:      global,
		CallTimeout: cfg.Scheduler.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build llm client: %w", err)
	}

	prompts := make([]scheduler.Prompt, 0, len(cfg.Prompts))
	for _, p := range cfg.Prompts {
		prompts = append(prompts, scheduler.Prompt{ID: p.ID, Template: p.Template})
	}

	return scheduler.New(st, llmClient, scheduler.Options{
		Providers:   plans,
		Prompts:     prompts,
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		MaxTokens:   cfg.Scheduler.MaxTokens,
		Temperature: cfg.Scheduler.Temperature,
		CallTimeout: cfg.Scheduler.CallTimeout,
		Logger:      logger,
	})
}

// controlMux exposes the thin HTTP control surface: health, status counts,
// manual batch trigger, and seeding.
func controlMux(sched *scheduler.Scheduler, st *postgres.Store, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		counts, err := st.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, counts)
	})

	mux.HandleFunc("POST /trigger", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BatchSize int `json:"batch_size"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		result, err := sched.TriggerBatch(r.Context(), body.BatchSize)
		if err != nil {
			// Only store unavailability surfaces as an error;
			// partial call failures are inside the result.
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("POST /seed", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Names []string `json:"names"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		inserted := 0
		for _, name := range body.Names {
			_, created, err := st.InsertIfAbsent(r.Context(), name)
			if err != nil {
				logger.Warn("seed insert failed", "name", name, "error", err)
				continue
			}
			if created {
				inserted++
			}
		}
		writeJSON(w, map[string]int{"inserted": inserted, "received": len(body.Names)})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
