package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vyvo/pagesmith/pkg/api"
	"github.com/vyvo/pagesmith/pkg/archive"
	"github.com/vyvo/pagesmith/pkg/bus"
	"github.com/vyvo/pagesmith/pkg/config"
	"github.com/vyvo/pagesmith/pkg/deadletter"
	"github.com/vyvo/pagesmith/pkg/generator"
	"github.com/vyvo/pagesmith/pkg/history"
	"github.com/vyvo/pagesmith/pkg/hosting"
	"github.com/vyvo/pagesmith/pkg/notify"
	"github.com/vyvo/pagesmith/pkg/pipeline"
	"github.com/vyvo/pagesmith/pkg/publisher"
	"github.com/vyvo/pagesmith/pkg/readiness"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/task"
	"github.com/vyvo/pagesmith/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the build API and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, "pagesmith", telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	policy := basePolicy(cfg.Retry)

	backend, err := newBackend(cfg.Generator)
	if err != nil {
		return err
	}
	gen := generator.NewAdapter(backend, policy.WithAttempts(cfg.Generator.Attempts))

	provider, err := hosting.NewGitHub(hosting.GitHubOptions{
		Token:      cfg.GitHub.Token,
		Owner:      cfg.GitHub.Owner,
		OwnerIsOrg: cfg.GitHub.OwnerIsOrg,
		Branch:     cfg.GitHub.Branch,
		BaseURL:    cfg.GitHub.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("github provider: %w", err)
	}

	store := task.NewStore()
	reg := registry.New()
	pub, err := publisher.New(provider, reg, publisher.Options{
		Holder: cfg.License.Holder,
		Policy: policy,
		Logger: logger.With().Str("component", "publisher").Logger(),
	})
	if err != nil {
		return err
	}

	notifyOpts := notify.Options{
		Policy:  policy.WithAttempts(cfg.Notify.Attempts),
		Timeout: cfg.Notify.Timeout,
		Logger:  logger.With().Str("component", "notify").Logger(),
	}
	if cfg.Redis.URL != "" {
		letters, err := deadletter.NewStore(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("dead-letter store: %w", err)
		}
		defer letters.Close()
		notifyOpts.Sink = letters
		logger.Info().Msg("dead-letter store enabled")
	}

	deps := pipeline.Deps{
		Store:     store,
		Registry:  reg,
		Generator: gen,
		Publisher: pub,
		Poller:    readiness.NewPoller(cfg.Readiness.Interval, logger.With().Str("component", "readiness").Logger()),
		Notifier:  notify.New(notifyOpts),
	}

	if cfg.Database.URL != "" {
		runs, err := history.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("run history: %w", err)
		}
		defer runs.Close()
		deps.History = runs
		logger.Info().Msg("run history enabled")
	}
	if cfg.S3.Bucket != "" {
		arch, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("artifact archive: %w", err)
		}
		deps.Archive = arch
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("artifact archive enabled")
	}
	if cfg.NATS.URL != "" {
		events, err := bus.New(cfg.NATS.URL, nats.Name("pagesmith"))
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		defer events.Close()
		deps.Events = events
		logger.Info().Msg("lifecycle events enabled")
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := pipeline.New(deps, pipeline.Options{
		Workers:          cfg.Pipeline.Workers,
		Timeout:          cfg.Pipeline.Timeout,
		PublishAttempts:  cfg.Pipeline.PublishAttempts,
		ReadinessTimeout: cfg.Readiness.Timeout,
		NotifyTimeout:    notifyBudget(cfg.Notify, policy),
		Retry:            policy,
		Registerer:       metrics,
		Logger:           logger.With().Str("component", "pipeline").Logger(),
	})
	if err != nil {
		return err
	}

	apiServer := api.New(orch, store, reg, api.Options{
		Secret:    cfg.Secret,
		RateLimit: cfg.Server.RateLimit,
		Gatherer:  metrics,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Str("owner", cfg.GitHub.Owner).Msg("pagesmith listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	apiServer.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warn().Int("in_flight", store.InFlight()).Msg("shutdown grace elapsed; abandoning in-flight pipelines")
	}
	logger.Info().Msg("pagesmith stopped")
	return nil
}

func newBackend(cfg config.GeneratorConfig) (generator.Backend, error) {
	switch cfg.Provider {
	case "ollama":
		client, err := generator.NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "openai", "":
		return generator.NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
