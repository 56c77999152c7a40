// Package server orchestrates the host: NATS client, manifests, DB, router,
// connection tracking, HTTP health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/crx-runtime/internal/config"
	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/db"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/events"
	"github.com/morezero/crx-runtime/pkg/host"
	"github.com/morezero/crx-runtime/pkg/manifest"
	"github.com/morezero/crx-runtime/pkg/metrics"
	"github.com/morezero/crx-runtime/pkg/transport"
)

const logPrefix = "server:server"

type pinger interface {
	Ping(ctx context.Context) error
}

type connectionLister interface {
	Snapshot() []host.ConnectionStat
}

type runtimeProber interface {
	Probe(ctx context.Context, extensionID string, kind crxruntime.MessageKind, message interface{}) (*host.ProbeResult, error)
}

// Server is the crxhost orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server

	commsConnected func() bool
	db             pinger
	store          *manifest.Store
	conns          connectionLister
	prober         runtimeProber
	metrics        *metrics.Metrics
}

// SetupLogging installs the default slog handler for level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the host, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting crxhost", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	s.commsConnected = nc.IsConnected
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 2: Connect to database when manifests or migrations need it
	var repo *db.Repository
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool
		repo = db.NewRepository(pool)
		s.db = repo

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
	}

	// Step 3: Load manifests
	if cfg.ManifestSource == config.ManifestSourceDB {
		s.store, err = manifest.LoadFromRepository(ctx, repo)
	} else {
		s.store, err = manifest.LoadFile(cfg.ManifestFile)
	}
	if err != nil {
		s.closeStores()
		return fmt.Errorf("%s - failed to load manifests: %w", logPrefix, err)
	}

	// Step 4: Dispatch over NATS, instrumented
	s.metrics = metrics.New(prometheus.NewRegistry())
	tr := transport.NewNATS(nc)
	manager := dispatch.NewManager(tr, dispatch.WithObserver(s.metrics))

	router := host.NewRouter(manager, s.store, s.metrics)
	if err := router.Start(); err != nil {
		manager.Close()
		s.closeStores()
		return err
	}

	connOpts := host.ConnectionsOpts{
		HostName:  cfg.COMMSName,
		Publisher: events.NewCommsPublisher(nc, nil),
		Observer:  s.metrics,
		Timeout:   cfg.HealthCheckTimeout,
	}
	if repo != nil {
		connOpts.Recorder = repo
	}
	conns := host.NewConnections(manager, connOpts)
	if err := conns.Start(); err != nil {
		manager.Close()
		s.closeStores()
		return err
	}
	s.conns = conns
	s.prober = host.NewProber(manager, cfg.ProbeTimeout, s.metrics)

	// Step 5: Start HTTP server
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - crxhost is ready (%d extensions)", logPrefix, s.store.Len()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer shutdownCancel()
	s.httpServer.Shutdown(shutdownCtx)
	manager.Close()
	s.closeStores()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) closeStores() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.nc != nil {
		s.nc.Drain()
	}
}
