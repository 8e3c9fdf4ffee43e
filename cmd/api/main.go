package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/app"
	"github.com/valentin-gosselin/pretix-sortir/internal/apras"
	"github.com/valentin-gosselin/pretix-sortir/internal/audit"
	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/config"
	"github.com/valentin-gosselin/pretix-sortir/internal/kv"
	"github.com/valentin-gosselin/pretix-sortir/internal/ratelimit"
	"github.com/valentin-gosselin/pretix-sortir/internal/storage/postgres"
	transporthttp "github.com/valentin-gosselin/pretix-sortir/internal/transport/http"
	"github.com/valentin-gosselin/pretix-sortir/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.App.Name).Logger()
	if cfg.App.Env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if cfg.Policy.CardSalt == "" {
		logger.Warn().Msg("CARD_SALT not set, card hashes are unsalted")
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to db")
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal().Err(err).Msg("db ping")
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis ping")
	}
	store := kv.NewRedis(redisClient, cfg.Redis.Prefix)

	clk := clock.NewSystem()

	aprasClient := apras.NewClient(apras.Config{
		BaseURL:          cfg.Apras.BaseURL,
		Token:            cfg.Apras.Token,
		Timeout:          cfg.Apras.Timeout,
		MaxRetries:       cfg.Apras.MaxRetries,
		RetryBackoff:     cfg.Apras.RetryBackoff,
		NegativeCacheTTL: cfg.Apras.NegativeCacheTTL,
		BeneficiaryTTL:   cfg.Apras.BeneficiaryTTL,
		BreakerCooldown:  cfg.Apras.BreakerCooldown,
		BreakerThreshold: cfg.Apras.BreakerThreshold,
		CardLength:       cfg.Policy.CardLength,
	}, store, logger)

	limiter := ratelimit.New(store, cfg.RateLimit.Window, cfg.RateLimit.Requests, logger)

	usageRepo := postgres.NewUsageRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool, clk, logger)
	sink := audit.MultiSink{audit.NewLogSink(logger), auditRepo}

	reserveSvc := app.NewReserveService(usageRepo, aprasClient, limiter, sink, clk, cfg.Policy.CardSalt,
		app.WithStaleAfter(cfg.Policy.StaleAfter),
		app.WithSessionGrace(cfg.Policy.SessionGrace),
		app.WithCardLength(cfg.Policy.CardLength),
	)
	confirmSvc := app.NewConfirmService(usageRepo, aprasClient, sink, clk,
		app.WithRecentWindow(cfg.Policy.RecentWindow),
	)
	adminRepo := postgres.NewAdminRepository(usageRepo, auditRepo)
	adminSvc := app.NewAdminService(adminRepo, clk, app.WithSweepStaleAfter(cfg.Policy.StaleAfter))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", transporthttp.HealthHandler)
	mux.Handle("POST /events/{event}/card-validations", transporthttp.HandleVerifyCard(reserveSvc))
	mux.Handle("POST /events/{event}/card-validations/cleanup", transporthttp.HandleCleanupSession(reserveSvc))
	mux.Handle("GET /events/{event}/usages", transporthttp.HandleListUsages(adminSvc))
	mux.Handle("GET /events/{event}/audit-trail", transporthttp.HandleListAuditTrail(adminSvc))
	mux.Handle("POST /orders/{code}/confirm", transporthttp.HandleConfirmOrder(confirmSvc))
	mux.Handle("POST /orders/{code}/paid", transporthttp.HandleOrderPaid(confirmSvc))
	mux.Handle("POST /orders/{code}/cancel", transporthttp.HandleOrderCancelled(confirmSvc))
	mux.Handle("POST /maintenance/sweep-stale", transporthttp.HandleSweepStale(adminSvc))
	mux.Handle("/", transporthttp.NotFoundHandler())

	handler := transporthttp.RequestLogger(transporthttp.CORS(cfg.CORS.AllowedOrigins, mux), logger)

	server := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: handler,
	}

	logger.Info().Str("port", cfg.App.Port).Msg("api listening")

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	case <-stopCtx.Done():
		logger.Info().Msg("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("server stopped")
}
