// Command server runs the call escrow and settlement HTTP service.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/digis-live/callcore/internal/app"
	"github.com/digis-live/callcore/internal/app/httpapi"
	"github.com/digis-live/callcore/internal/app/metrics"
	"github.com/digis-live/callcore/internal/app/realtime"
	"github.com/digis-live/callcore/internal/app/storage/postgres"
	"github.com/digis-live/callcore/internal/config"
	"github.com/digis-live/callcore/internal/platform/migrations"
	"github.com/digis-live/callcore/internal/rtc"
	"github.com/digis-live/callcore/pkg/logger"
)

// Config is the environment-driven server configuration.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`

	// DatabaseURL selects the postgres backend; empty runs in-memory.
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisAddr enables the redis event publisher when set.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// RTCSecret signs call channel join tokens.
	RTCSecret string `env:"RTC_SECRET"`

	// AuthTokens is a comma-separated list of accepted bearer tokens.
	AuthTokens []string `env:"AUTH_TOKENS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

func main() {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log = log.WithField("component", "server")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func run(cfg Config, log *logger.Logger) error {
	tunables := config.LoadOrDefault()

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := app.Options{
		RequestExpiry:     tunables.RequestExpiry.Std(),
		CredentialTTL:     tunables.CredentialTTL.Std(),
		MinPricePerMinute: tunables.MinPricePerMinute,
	}

	if cfg.RTCSecret != "" {
		provider, err := rtc.NewHMACProvider(cfg.RTCSecret, tunables.CredentialTTL.Std())
		if err != nil {
			return fmt.Errorf("configure rtc provider: %w", err)
		}
		opts.RTC = provider
	} else {
		log.Warn("RTC_SECRET not set; channel credentials disabled")
	}

	hub := realtime.NewHub(log)
	defer hub.Close()
	publishers := realtime.MultiPublisher{hub}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		publishers = append(publishers, realtime.NewRedisPublisher(client, tunables.EventsChannel, log))
		defer client.Close()
	} else {
		log.Warn("REDIS_ADDR not set; events stay process-local")
	}
	opts.Publisher = publishers

	application, err := app.New(stores, opts, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Stop(shutdownCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.WrapWithAuth(httpapi.NewHandler(application), cfg.AuthTokens, log))
	mux.Handle("/events", hub)

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           metrics.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("API listening on %s", cfg.ListenAddr)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		log.Infof("metrics listening on %s", cfg.MetricsAddr)
		errCh <- metricsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

// buildStores selects postgres when DATABASE_URL is set, in-memory otherwise.
func buildStores(cfg Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(migrateCtx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	return app.Stores{Ledger: store, Calls: store, Loyalty: store}, func() { db.Close() }, nil
}
