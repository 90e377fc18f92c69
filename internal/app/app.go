// Package app wires every collaborator together and runs the gateway in
// "api", "worker" or "seed-demo" mode, grounded in the teacher's internal/app.Run
// structure (config → infra → mode dispatch → graceful shutdown).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hearthgate/gateway/internal/auth"
	"github.com/hearthgate/gateway/internal/config"
	"github.com/hearthgate/gateway/internal/httpserver"
	"github.com/hearthgate/gateway/internal/platform"
	"github.com/hearthgate/gateway/internal/seed"
	"github.com/hearthgate/gateway/internal/telemetry"
	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/discovery"
	"github.com/hearthgate/gateway/pkg/gateway"
	"github.com/hearthgate/gateway/pkg/limiter"
	"github.com/hearthgate/gateway/pkg/llm/gemini"
	"github.com/hearthgate/gateway/pkg/llm/openai"
	"github.com/hearthgate/gateway/pkg/nonce"
	"github.com/hearthgate/gateway/pkg/pairing"
	"github.com/hearthgate/gateway/pkg/repository"
	"github.com/hearthgate/gateway/pkg/signer"
	"github.com/hearthgate/gateway/pkg/usage"
	"github.com/hearthgate/gateway/pkg/vault"
)

// gatewayVersion is reported in the discovery document's gateway.version
// field; it is not a build-level version scheme, just a protocol marker.
const gatewayVersion = "1"

// Run is the main application entry point: it loads infrastructure
// collaborators and dispatches to the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gateway", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	repo, db, err := buildRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building repository: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	v, err := vault.NewFromHex(cfg.VaultMasterKeyHex)
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, repo, db, rdb, v, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, repo)
	case "seed-demo":
		return runSeedDemo(ctx, cfg, logger, repo, v)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildRepository returns a Postgres-backed repository when DatabaseURL is
// set, otherwise an in-memory one for local development. db is nil in the
// in-memory case.
func buildRepository(ctx context.Context, cfg *config.Config) (repository.Repository, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemory(), nil, nil
	}
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return repository.NewPostgres(db), db, nil
}

// buildAdapters assembles the resource adapter registry. Additional
// providers plug in here as the deployment grows; each one is an
// OpenAI-compatible or provider-specific adapter from pkg/llm.
func buildAdapters() *adapter.Registry {
	return adapter.NewRegistry(
		openai.New("groq"),
		openai.New("openai"),
		openai.New("together"),
		gemini.New(),
	)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo repository.Repository, db *pgxpool.Pool, rdb *redis.Client, v *vault.Vault, metricsReg *prometheus.Registry) error {
	nonces := nonce.NewRedis(redisSetNXAdapter{rdb})
	limits := limiter.NewRedis(rdb)
	verifier := signer.NewVerifier()
	adapters := buildAdapters()

	pipeline := gateway.New(repo, verifier, nonces, limits, v, adapters)
	recorder := usage.New(repo, limits, logger)
	recorder.Start(ctx)
	defer recorder.Close(context.Background())

	pairingSvc := pairing.New(repo, adapters, cfg.GatewayPublicURL)

	var admin *auth.AdminAuthenticator
	if cfg.AdminToken != "" {
		admin = auth.NewAdminAuthenticator(cfg.AdminToken, logger)
	} else {
		logger.Warn("ADMIN_TOKEN not set: pairing approve/reject endpoints are unreachable")
		admin = auth.NewAdminAuthenticator("", logger)
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	srv.Router.Get("/.well-known/resources", discovery.Handler(adapters, gatewayVersion, "hearthgate-gateway"))

	gatewayHandler := gateway.NewHandler(logger, pipeline, recorder)
	srv.Router.Mount("/", gatewayHandler.Routes())

	pairingHandler := pairing.NewHandler(logger, admin, pairingSvc)
	prepareLimiter := auth.NewRateLimiter(rdb, "connect_prepare_ratelimit", 30, time.Minute)
	srv.Router.With(auth.PrepareRateLimitMiddleware(prepareLimiter, logger)).Mount("/api/connect", pairingHandler.Routes())
	srv.Router.Mount("/admin", pairingHandler.AdminRoutes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second, // generous for non-streaming upstream LLM calls
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker periodically sweeps stale PENDING connect sessions into
// EXPIRED, the connect-session analog of the teacher's
// roster.RunScheduleTopUpLoop periodic-loop worker.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo repository.Repository) error {
	logger.Info("worker started")

	pairingSvc := pairing.New(repo, nil, cfg.GatewayPublicURL)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		n, err := pairingSvc.ExpireStale(ctx)
		if err != nil {
			logger.Error("expiring stale connect sessions", "error", err)
		} else if n > 0 {
			logger.Info("expired stale connect sessions", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runSeedDemo(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo repository.Repository, v *vault.Vault) error {
	result, err := seed.RunDemo(ctx, repo, v, "llm:groq", cfg.DemoUpstreamSecret, cfg.DemoUpstreamBaseURL, logger)
	if err != nil {
		return err
	}
	logger.Info("seed-demo complete",
		"app_id", result.AppID,
		"public_key", result.PublicKey,
	)
	return nil
}

// redisSetNXAdapter narrows *redis.Client to the single method nonce.Redis
// needs, unwrapping the *redis.BoolCmd the real client returns.
type redisSetNXAdapter struct {
	client *redis.Client
}

func (a redisSetNXAdapter) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return a.client.SetNX(ctx, key, value, ttl).Result()
}
