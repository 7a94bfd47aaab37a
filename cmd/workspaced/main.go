// Workspace Runtime Daemon
//
// Multiplexes a user's workspaces over long-lived tunnelled connections to
// a set of Application Servers, and exposes an operator-facing admin API.
//
//	@title			Workspace Runtime Admin API
//	@version		1.0
//	@description	Operator-facing admin API for the workspace communication subsystem.
//	@BasePath		/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.wsrt.dev/internal/api"
	"go.wsrt.dev/internal/audit"
	"go.wsrt.dev/internal/broker"
	"go.wsrt.dev/internal/common/lifecycle"
	"go.wsrt.dev/internal/config"
	"go.wsrt.dev/internal/diagnostics"
	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/scm"
	"go.wsrt.dev/internal/server"
	"go.wsrt.dev/internal/transport"
	"go.wsrt.dev/internal/wm"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("WSRT_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting workspace runtime daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditSvc := buildAuditService(ctx, cfg)
	warnSvc := diagnostics.NewService()

	b := broker.New(cfg.BrokerConfig())

	var s *scm.SCM
	factory := func(id protocol.ServerId) server.Tunnel {
		return transport.NewTCPTunnel(id, s.IOReadySignal())
	}

	s = scm.New(b, factory, cfg.ScmConfig(), auditSvc, warnSvc)
	w := wm.New(b, nil)

	var wmRunning, scmRunning atomic.Bool
	ready := func() bool { return wmRunning.Load() && scmRunning.Load() }

	lm := lifecycle.NewManager()

	wmCtx, wmCancel := context.WithCancel(ctx)
	scmCtx, scmCancel := context.WithCancel(ctx)

	wmDone := make(chan struct{})
	go func() {
		defer close(wmDone)
		wmRunning.Store(true)
		w.Run(wmCtx)
		wmRunning.Store(false)
	}()

	scmDone := make(chan struct{})
	go func() {
		defer close(scmDone)
		scmRunning.Store(true)
		s.Run(scmCtx)
		scmRunning.Store(false)
	}()

	for _, known := range cfg.KnownServers {
		w.RequestConnect(known.ID())
	}

	router := api.NewRouter(w, warnSvc, ready)
	httpServer := &http.Server{
		Addr:         cfg.Admin.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lm.RegisterHTTPShutdown("admin-http", func(shutdownCtx context.Context) error {
		return httpServer.Shutdown(shutdownCtx)
	})
	lm.RegisterWMShutdown("wm-loop", func(shutdownCtx context.Context) error {
		wmCancel()
		select {
		case <-wmDone:
			return nil
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	})
	lm.RegisterSCMShutdown("scm-loop", func(shutdownCtx context.Context) error {
		scmCancel()
		select {
		case <-scmDone:
			return nil
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	})

	go func() {
		log.Info().Str("addr", cfg.Admin.ListenAddr).Msg("admin http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin http server failed")
		}
	}()

	lm.WaitForSignal()
	if err := lm.Execute(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
		os.Exit(1)
	}

	log.Info().Msg("workspace runtime daemon stopped")
}

// buildAuditService wires a Mongo-backed audit repository when a connection
// string is configured, falling back to the bounded in-memory repository
// otherwise -- restarting without Mongo configured loses only the audit
// history, never any queued application data.
func buildAuditService(ctx context.Context, cfg config.Config) *audit.Service {
	if cfg.Mongo.URI == "" {
		return audit.NewService(audit.NewInMemoryRepository(0))
	}

	log.Info().Str("database", cfg.Mongo.Database).Msg("connecting to mongo for audit trail")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to mongo, falling back to in-memory audit trail")
		return audit.NewService(audit.NewInMemoryRepository(0))
	}
	if err := client.Ping(ctx, nil); err != nil {
		log.Error().Err(err).Msg("failed to ping mongo, falling back to in-memory audit trail")
		return audit.NewService(audit.NewInMemoryRepository(0))
	}

	repo := audit.NewMongoRepository(client.Database(cfg.Mongo.Database))
	return audit.NewService(repo)
}
