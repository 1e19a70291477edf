package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/aistats/gateway/internal/api"
	"github.com/aistats/gateway/internal/asyncjob"
	"github.com/aistats/gateway/internal/auth"
	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/gateway"
	"github.com/aistats/gateway/internal/httputil"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/metrics"
	"github.com/aistats/gateway/internal/notifications"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/provider/anthropic"
	"github.com/aistats/gateway/internal/provider/bedrock"
	"github.com/aistats/gateway/internal/provider/openai"
	"github.com/aistats/gateway/internal/ratelimit"
	"github.com/aistats/gateway/internal/secrets"
	"github.com/aistats/gateway/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long:  "serve reads its settings from the environment (and an optional .env file), loads the provider catalog and price cards, and serves the gateway API until SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics.InitInstanceMetrics(cfg.PodName, cfg.Namespace, version)

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("catalog loaded", "path", cfg.CatalogPath, "providers", len(catalog.Providers), "models", len(catalog.Models))

	store, err := openKV(cfg)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
	}

	notifier, err := openNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	health, closeHealth, err := openHealth(cfg, notifier)
	if err != nil {
		return err
	}
	defer closeHealth()

	cards, err := openCards(cfg, db)
	if err != nil {
		return err
	}

	secretStore, err := openSecrets(ctx, cfg)
	if err != nil {
		return err
	}
	registry, err := buildProviders(ctx, catalog, secretStore, cfg.UpstreamTimeout)
	if err != nil {
		return err
	}

	var (
		verifier *auth.Verifier
		keys     auth.KeyManager
	)
	if db != nil {
		pgKeys := auth.NewPostgresKeyStore(db)
		verifier = auth.NewVerifier(pgKeys, store)
		keys = pgKeys
	} else {
		slog.Warn("no DATABASE_URL, API key verification is disabled")
	}

	jobs := asyncjob.NewService(store, cards, asyncjob.WithBilledHook(func(ctx context.Context, meta asyncjob.Meta, bill *pricing.Bill) {
		metrics.RecordBilled(meta.TeamID, meta.Provider, meta.Model, bill.Currency, bill.TotalNanos())
	}))
	queue, err := openJobQueue(ctx, cfg)
	if err != nil {
		return err
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		asyncjob.NewWorker(queue, jobs).Run(workerCtx)
	}()

	limiter := openLimiter(store)

	gwOpts := []gateway.Option{gateway.WithMaxAttempts(cfg.MaxAttempts)}
	if notifier != nil {
		gwOpts = append(gwOpts, gateway.WithNotifier(notifier))
	}
	gw := gateway.New(catalog, registry, health, cards, gwOpts...)

	checkers := []api.HealthChecker{api.KVChecker{Store: store}}
	if db != nil {
		checkers = append(checkers, api.PostgresChecker{DB: db})
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:    gw,
		Catalog:    catalog,
		Verifier:   verifier,
		Keys:       keys,
		KV:         store,
		Cards:      cards,
		Health:     health,
		Jobs:       jobs,
		JobQueue:   queue,
		Checkers:   checkers,
		Version:    version,
		Limiter:    limiter,
		DefaultRPM: cfg.RateLimitRPM,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		ConnState:    trackConn,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("async job worker did not stop in time")
	}

	slog.Info("server stopped")
	return nil
}

// openLimiter shares the kv connection pool when kv is Redis.
func openLimiter(store kv.Store) ratelimit.Limiter {
	if rs, ok := store.(*kv.RedisStore); ok {
		return ratelimit.NewRedisLimiterWithClient(rs.Client())
	}
	return ratelimit.NewInMemoryLimiter()
}

func openKV(cfg *config.Config) (kv.Store, error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-memory kv store")
		return kv.NewInMemoryStore(), nil
	}
	store, err := kv.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("using redis kv store")
	return store, nil
}

// openNotifier returns nil when no topic is configured.
func openNotifier(ctx context.Context, cfg *config.Config) (notifications.Notifier, error) {
	if cfg.NotificationTopic == "" {
		return nil, nil
	}
	notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotificationTopic)
	if err != nil {
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	slog.Info("notifications enabled", "topic", cfg.NotificationTopic)
	return notifier, nil
}

// openHealth picks the breaker store. Redis shares breaker state across
// instances.
func openHealth(cfg *config.Config, notifier notifications.Notifier) (*circuitbreaker.Tracker, func(), error) {
	cbCfg := circuitbreaker.DefaultConfig()

	var (
		store      circuitbreaker.Store
		closeStore = func() {}
	)
	if cfg.UseDistributedCircuitBreaker {
		rs, err := circuitbreaker.NewRedisStore(cfg.RedisURL, cbCfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect breaker store: %w", err)
		}
		store = rs
		closeStore = func() { rs.Close() }
		slog.Info("using distributed circuit breaker")
	} else {
		store = circuitbreaker.NewInMemoryStore(cbCfg.TTL)
	}

	var opts []circuitbreaker.Option
	if notifier != nil {
		opts = append(opts, circuitbreaker.WithNotifier(notifier))
	}

	return circuitbreaker.NewTracker(store, cbCfg, opts...), closeStore, nil
}

func openCards(cfg *config.Config, db *sql.DB) (pricing.Store, error) {
	switch {
	case cfg.PriceCardsPath != "":
		store, err := pricing.LoadFile(cfg.PriceCardsPath)
		if err != nil {
			return nil, err
		}
		slog.Info("price cards loaded", "path", cfg.PriceCardsPath)
		return store, nil
	case db != nil:
		slog.Info("reading price cards from postgres")
		return pricing.NewPostgresStore(db), nil
	}
	slog.Warn("no price cards configured, requests will not be billed")
	return pricing.NewMemoryStore(), nil
}

func openSecrets(ctx context.Context, cfg *config.Config) (secrets.Store, error) {
	chain := secrets.Chain{secrets.NewEnvStore()}
	if cfg.SecretsBackend == "aws" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("init secrets manager: %w", err)
		}
		sm.SetCacheTTL(cfg.SecretsCacheTTL)
		chain = append(chain, sm)
	}
	return chain, nil
}

func openJobQueue(ctx context.Context, cfg *config.Config) (asyncjob.Queue, error) {
	if cfg.JobQueueURL == "" {
		return asyncjob.NewInMemoryQueue(), nil
	}
	q, err := asyncjob.NewSQSQueue(ctx, cfg.AWSRegion, cfg.JobQueueURL)
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	slog.Info("using sqs job queue", "url", cfg.JobQueueURL)
	return q, nil
}

// buildProviders creates one adapter per catalog provider. A provider whose
// credentials are missing is skipped; its candidates then fail over.
func buildProviders(ctx context.Context, catalog *config.Catalog, store secrets.Store, timeout time.Duration) (*provider.Registry, error) {
	clientCfg := httputil.DefaultConfig()
	clientCfg.Timeout = timeout
	client := httputil.NewClient(clientCfg)

	registry := provider.NewRegistry()
	for _, spec := range catalog.Providers {
		creds, err := secrets.ProviderCredentials(ctx, store, spec.Secret)
		if err != nil && spec.Kind != config.KindBedrock {
			slog.Warn("provider credentials missing, skipping", "provider", spec.ID, "error", err)
			continue
		}

		callTimeout := timeout
		if spec.Timeout > 0 {
			callTimeout = spec.Timeout
		}
		baseURL := spec.BaseURL
		if creds.BaseURL != "" {
			baseURL = creds.BaseURL
		}

		switch spec.Kind {
		case config.KindOpenAI:
			p, err := openai.New(openai.Config{
				ID:       spec.ID,
				BaseURL:  baseURL,
				APIKey:   creds.APIKey,
				Protocol: spec.Protocol,
				Quirk:    spec.Quirk,
				Timeout:  callTimeout,
			}, client)
			if err != nil {
				return nil, err
			}
			registry.Register(p)
		case config.KindAnthropic:
			registry.Register(anthropic.New(anthropic.Config{
				ID:      spec.ID,
				BaseURL: baseURL,
				APIKey:  creds.APIKey,
				Quirk:   spec.Quirk,
				Timeout: callTimeout,
			}, client))
		case config.KindBedrock:
			p, err := newBedrock(ctx, spec, creds, callTimeout)
			if err != nil {
				return nil, err
			}
			registry.Register(p)
		}
		slog.Info("registered provider", "provider", spec.ID, "kind", spec.Kind)
	}

	if len(registry.IDs()) == 0 {
		return nil, errors.New("no providers configured")
	}
	return registry, nil
}

// newBedrock uses static keys from the provider secret when present and the
// default AWS credential chain otherwise.
func newBedrock(ctx context.Context, spec config.ProviderSpec, creds secrets.Credentials, timeout time.Duration) (*bedrock.Provider, error) {
	region := spec.Region
	if creds.Region != "" {
		region = creds.Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("provider %s: load aws config: %w", spec.ID, err)
	}
	return bedrock.NewWithConfig(spec.ID, awsCfg, timeout), nil
}

func trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.IncrementActiveConnections()
	case http.StateHijacked, http.StateClosed:
		metrics.DecrementActiveConnections()
	}
}
