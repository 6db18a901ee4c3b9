// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/auth"
	"github.com/artpar/tollgate/adapters/clock"
	gatehttp "github.com/artpar/tollgate/adapters/http"
	"github.com/artpar/tollgate/adapters/idgen"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/adapters/payment"
	"github.com/artpar/tollgate/adapters/sqlite"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/config"
	"github.com/artpar/tollgate/ports"
)

// Options configures application startup.
type Options struct {
	// ConfigPath is the YAML config file. Empty means environment-only.
	ConfigPath string
	// HotReload watches the config file and applies reloadable fields live.
	HotReload bool
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	holder     *config.Holder
	store      ports.SessionStore
	meterer    *app.MeterService
	reconciler *app.Reconciler
	upstream   *gatehttp.UpstreamClient
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	var (
		holder *config.Holder
		cfg    *config.Config
	)

	// A config file gets a holder so it can be hot reloaded; pure env
	// config is static for the process lifetime.
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			h, err := config.NewHolder(opts.ConfigPath, zerolog.New(os.Stdout).With().Timestamp().Logger())
			if err != nil {
				return nil, err
			}
			holder = h
			cfg = h.Get()
		}
	}
	if cfg == nil {
		c, err := config.LoadWithFallback(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing tollgate")

	a := &App{
		Logger: logger,
		Config: cfg,
		holder: holder,
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	if err := a.initServices(); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("init services: %w", err)
	}

	if holder != nil {
		a.wireReload(opts.HotReload)
	}

	return a, nil
}

func (a *App) initStore() error {
	clk := clock.Real{}

	switch a.Config.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(a.Config.Store.DSN)
		if err != nil {
			return err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.store = sqlite.NewSessionStore(db, clk)
		a.Logger.Info().Str("dsn", a.Config.Store.DSN).Msg("sqlite session store initialized")

	default:
		a.store = memory.NewSessionStore(clk)
		a.Logger.Info().Msg("in-memory session store initialized")
	}
	return nil
}

func (a *App) initServices() error {
	cfg := a.Config
	clk := clock.Real{}

	// Token verification against the issuer's JWKS
	keys := auth.NewJWKSCache(cfg.Verifier.JWKSURL, cfg.Verifier.JWKSTTL, nil)
	verifier := auth.NewVerifier(keys, auth.VerifierConfig{
		Issuer:     cfg.Verifier.Issuer,
		Audience:   cfg.Verifier.Audience,
		SSI:        cfg.Verifier.SSI,
		Algorithms: cfg.Verifier.Algorithms,
	})

	charger, err := payment.NewProvider(payment.Config{
		Provider: cfg.Payment.Provider,
		BaseURL:  cfg.Payment.BaseURL,
		APIKey:   cfg.Payment.APIKey,
		Timeout:  cfg.Payment.Timeout,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("build charge provider: %w", err)
	}

	upstream, err := gatehttp.NewUpstreamClient(gatehttp.UpstreamConfig{
		BaseURL:         cfg.Upstream.URL,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("build upstream: %w", err)
	}
	a.upstream = upstream

	a.meterer = app.NewMeterService(app.MeterDeps{
		Store:   a.store,
		Charger: charger,
		Log:     a.Logger,
		Metrics: a.Metrics,
	}, meterConfig(cfg))

	a.reconciler = app.NewReconciler(app.ReconcilerDeps{
		Store:   a.store,
		Charger: charger,
		Clock:   clk,
		Log:     a.Logger,
		Metrics: a.Metrics,
	}, cfg.Reconciler.Interval)

	gate := gatehttp.NewGateHandler(gatehttp.GateDeps{
		Verifier: verifier,
		Meterer:  a.meterer,
		Upstream: upstream,
		IDGen:    idgen.UUID{},
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	})
	health := gatehttp.NewHealthHandler(upstream)

	router := gatehttp.NewRouterWithConfig(gate, health, a.Logger, gatehttp.RouterConfig{
		Metrics: a.Metrics,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", addr).Str("upstream", cfg.Upstream.URL).Msg("http server configured")
	return nil
}

// wireReload applies reloadable config fields when the file changes.
func (a *App) wireReload(watchFile bool) {
	a.holder.OnChange(func(cfg *config.Config) {
		a.Config = cfg
		a.meterer.UpdateConfig(meterConfig(cfg))
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
			a.Metrics.ConfigLastReload.SetToCurrentTime()
		}
		a.Logger.Info().
			Float64("batch_threshold", cfg.Metering.BatchThreshold).
			Dur("session_ttl", cfg.Metering.SessionTTL).
			Msg("metering config applied")
	})
	a.holder.WatchSignals()
	if watchFile {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
	}
}

func meterConfig(cfg *config.Config) app.MeterConfig {
	return app.MeterConfig{
		BatchThreshold:      cfg.Metering.BatchThreshold,
		SessionTTL:          cfg.Metering.SessionTTL,
		SnapshotRetention:   cfg.Metering.SnapshotRetention,
		MaxRequestsOverride: cfg.Metering.MaxRequestsOverride,
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	a.reconciler.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking requests first, then settle what the reconciler still can.
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.reconciler != nil {
		a.reconciler.Stop()
	}

	if a.upstream != nil {
		a.upstream.Close()
	}

	if a.holder != nil {
		a.holder.Stop()
	}

	a.closeStore()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("session store close error")
		}
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
