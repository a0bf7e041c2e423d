// Command tallyd serves the tally API: page and click counters reconciled
// between Redis and a remote table store, session and admission control, and
// giveaway draws.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhalm/tallykit"
	"github.com/nhalm/tallykit/counter"
	"github.com/nhalm/tallykit/giveaway"
	"github.com/nhalm/tallykit/internal/config"
	"github.com/nhalm/tallykit/remote"
	"github.com/nhalm/tallykit/security"
	"github.com/nhalm/tallykit/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tallyd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	durable, closeDurable := openDurable(cfg, logger)
	defer closeDurable()

	volatile := store.NewMemory(store.WithTTL(cfg.TabTTL))
	defer volatile.Close()

	rs, closeRemote := openRemote(ctx, cfg, logger)
	defer closeRemote()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tallykit.NewMetrics(reg)

	engine := counter.New(rs, durable, volatile,
		counter.WithPrefix(cfg.CounterPrefix),
		counter.WithLogger(logger.Named("counter")),
	)
	ctl := security.New(durable, volatile,
		security.WithSessionDuration(cfg.SessionDuration),
		security.WithCSRFTTL(cfg.CSRFTTL),
		security.WithCaptchaTTL(cfg.CaptchaTTL),
		security.WithLogger(logger.Named("security")),
		security.WithEventHook(metrics.SecurityEvent),
	)

	var winners giveaway.WinnerStore
	if rs != nil {
		winners = rs
	}
	picker := giveaway.NewPicker(winners, giveaway.WithLogger(logger.Named("giveaway")))

	// Requests arriving before the engine settles are queued and drained in order.
	metrics.SetEngineMode(engine.Mode())
	go func() {
		metrics.SetEngineMode(engine.Initialize(ctx))
	}()

	nudge := make(chan struct{}, 1)
	go func() {
		select {
		case <-engine.Done():
		case <-ctx.Done():
			return
		}
		engine.RunSync(ctx, cfg.SyncDelay, nudge)
	}()

	routerOpts := []tallykit.RouterOption{
		tallykit.WithAdminAPIKey(cfg.AdminAPIKey),
		tallykit.WithLoginRateLimit(cfg.LoginRateLimit, cfg.LoginRateWindow),
		tallykit.WithLoginIPRateLimit(cfg.LoginIPLimit),
		tallykit.WithBodyLimit(cfg.MaxBodyBytes),
		tallykit.WithRequestLogging(),
		tallykit.WithNewTabHook(func(tallykit.Scope) {
			select {
			case nudge <- struct{}{}:
			default:
			}
		}),
	}
	if cfg.TrustProxy {
		routerOpts = append(routerOpts, tallykit.WithTrustedProxy())
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY is not set, sync and giveaway routes are disabled")
	}

	router := tallykit.NewRouter(tallykit.Services{
		Engine:   engine,
		Security: ctl,
		Picker:   picker,
		Durable:  durable,
		Volatile: volatile,
		Metrics:  metrics,
		Gatherer: reg,
	}, routerOpts...)

	return serve(ctx, &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openDurable connects the durable store. When Redis is unreachable the
// process keeps serving from an in-memory store that lives as long as it does.
func openDurable(cfg config.Config, logger *zap.Logger) (store.Store, func()) {
	r, err := store.NewRedis(store.RedisConfig{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		logger.Warn("redis unavailable, using in-memory durable store",
			zap.String("address", cfg.RedisURL), zap.Error(err))
		m := store.NewMemory()
		return m, func() { m.Close() }
	}
	return r, func() { r.Close() }
}

// openRemote selects the remote table store from cfg. The returned store is
// nil when none is configured. An unreachable database is not fatal: the
// engine's startup ping fails and it settles in local-only mode.
func openRemote(ctx context.Context, cfg config.Config, logger *zap.Logger) (remote.Store, func()) {
	switch {
	case cfg.DatabaseDSN != "":
		if err := remote.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Warn("remote database migration skipped", zap.Error(err))
		}
		db, err := remote.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Warn("remote database unreachable", zap.Error(err))
			if db, err = remote.NewPostgres(cfg.DatabaseDSN); err != nil {
				logger.Warn("remote store disabled", zap.Error(err))
				return nil, func() {}
			}
		}
		logger.Info("remote store: postgres")
		return db, func() { db.Close() }
	case cfg.RemoteURL != "":
		logger.Info("remote store: rest", zap.String("url", cfg.RemoteURL))
		return remote.NewREST(remote.RESTConfig{
			BaseURL:    cfg.RemoteURL,
			APIKey:     cfg.RemoteAPIKey,
			Timeout:    cfg.RemoteTimeout,
			RetryCount: cfg.RemoteRetries,
		}), func() {}
	default:
		logger.Info("no remote store configured")
		return nil, func() {}
	}
}

func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
