package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/conductor/internal/api"
	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/authz"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/janus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/stats"
	"github.com/basket/conductor/internal/system"
	"github.com/basket/conductor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the JSONL file only")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, quiet bool) error {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "id", cfg.ID, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin event subscribers will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	provider, err := cotel.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer provider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := cotel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	collector := stats.Start(telemetry.ForComponent(logger, "stats"))
	defer collector.Stop()
	if reg, err := cotel.ObserveTimeouts(provider.Meter, collector); err != nil {
		logger.Warn("timeout gauge not registered", "error", err)
	} else {
		defer reg.Unregister()
	}

	store, err := persistence.Open(cfg.DBPath, persistence.WithMaxCheckouts(cfg.DBMaxCheckouts))
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	policy, err := authz.Load(cfg.AuthzPath)
	if err != nil {
		return fmt.Errorf("authz load: %w", err)
	}
	live := authz.NewLivePolicy(policy)
	logger.Info("startup phase", "phase", "authz_loaded", "version", live.Version())

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()
	janusLogger := telemetry.ForComponent(logger, "janus")
	reporter := janus.NewLogReporter(janusLogger, metrics)

	dialer := &janus.WSDialer{Logger: janusLogger}
	clients := janus.NewClients(dialer, janusLogger)
	tracker := janus.NewTracker(collector, janusLogger)
	client := janus.NewClient(clients, tracker, cfg.TransactionTimeout, metrics, janusLogger)
	pool := janus.NewHandlePool(client, reporter, metrics, janusLogger)
	dispatcher, err := janus.NewDispatcher(janus.DispatcherConfig{
		Store:     store,
		Client:    client,
		Pool:      pool,
		Clients:   clients,
		Tracker:   tracker,
		Publisher: eventBus,
		Settings:  cfg,
		Reporter:  reporter,
		Metrics:   metrics,
		Tracer:    provider.Tracer,
		Logger:    janusLogger,
		PoolSize:  cfg.HandlePoolSize,
	})
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}
	dialer.OnMessage = dispatcher.OnMessage

	manager := janus.NewManager(janus.ManagerConfig{
		Dispatcher:        dispatcher,
		Clients:           clients,
		Tracker:           tracker,
		Backends:          cfg.Backends,
		ReconnectInterval: cfg.ReconnectInterval,
		PingInterval:      cfg.ServicePingInterval,
		SweepInterval:     cfg.TimeoutSweepInterval,
		Logger:            janusLogger,
	})
	manager.Start(ctx)
	defer pool.Wait()
	defer manager.Stop()
	logger.Info("startup phase", "phase", "backends_started", "backends", len(cfg.Backends))

	svc := system.New(system.Config{
		Store:         store,
		Authz:         live,
		Uploader:      client,
		Connector:     clients,
		Publisher:     eventBus,
		Targets:       cfg,
		Reporter:      reporter,
		Metrics:       metrics,
		Stats:         collector,
		Logger:        logger,
		Audience:      cfg.Audience,
		Group:         cfg.JanusGroup,
		OrphanTimeout: cfg.OrphanedRoomTimeout,
	})
	sched, err := system.NewScheduler(system.SchedulerConfig{
		Sweeper:         svc,
		Subject:         cfg.ID,
		VacuumSchedule:  cfg.VacuumSchedule,
		OrphansSchedule: cfg.OrphansSchedule,
		Logger:          telemetry.ForComponent(logger, "scheduler"),
	})
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewConfigWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher not started", "error", err)
	} else {
		go watchReloads(watcher, live, cfg, logger)
	}

	handler := api.NewHandler(api.Deps{
		Store:        store,
		Bus:          eventBus,
		Authz:        live,
		Audit:        auditLog,
		Sweeper:      svc,
		Signaler:     dispatcher,
		Stats:        collector,
		Audience:     cfg.Audience,
		AllowOrigins: cfg.AllowOrigins,
		Tracer:       provider.Tracer,
		Logger:       telemetry.ForComponent(logger, "api"),
	})
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("startup phase", "phase", "listening", "bind_addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// watchReloads applies authz policy edits in place. Other config changes need
// a restart and are only logged.
func watchReloads(w *config.Watcher, live *authz.LivePolicy, cfg config.Config, logger *slog.Logger) {
	for ev := range w.Events() {
		if ev.Path == cfg.AuthzPath {
			if err := authz.ReloadFromFile(live, cfg.AuthzPath); err != nil {
				logger.Error("authz reload failed; keeping previous policy", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("authz policy reloaded", "version", live.Version())
			continue
		}
		next, err := config.LoadFrom(cfg.HomeDir)
		if err != nil {
			logger.Error("config.yaml no longer loads", "error", err)
			continue
		}
		if next.Fingerprint() != cfg.Fingerprint() {
			logger.Warn("config.yaml changed; restart to apply", "fingerprint", next.Fingerprint())
		}
	}
}
