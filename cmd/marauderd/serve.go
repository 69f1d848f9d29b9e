package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/api"
	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/config"
	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/internal/ingest"
	"github.com/celerix-dev/marauder/internal/intent"
	"github.com/celerix-dev/marauder/internal/logging"
	"github.com/celerix-dev/marauder/internal/metrics"
	"github.com/celerix-dev/marauder/internal/policy"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/internal/server"
	"github.com/celerix-dev/marauder/internal/vault"
	"github.com/celerix-dev/marauder/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the TCP and HTTP front ends and the ingestion loop",
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer log.Sync()

	c, err := campus.Load(cfg.CampusFile, schema.PrivacyLevel(cfg.Privacy.DefaultLevel))
	if err != nil {
		return err
	}
	log.Info("campus_loaded",
		zap.String("file", cfg.CampusFile),
		zap.Int("buildings", len(c.Buildings)),
		zap.Int("users", len(c.Users)),
		zap.Int("policies", len(c.Policies)))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	m := metrics.New()

	// 1. Event store
	store := engine.NewMemStore(cfg.Store.Capacity, engine.WithEvictHook(m.Evicted))

	// 2. Privacy gate
	var sink policy.Sink
	if cfg.Privacy.EnableAuditLogging {
		audit := log.Named("audit")
		sink = func(e schema.AuditLogEntry) {
			audit.Info("audit_entry",
				zap.String("id", e.ID),
				zap.String("action", e.Action),
				zap.String("actor", e.Actor),
				zap.String("target", e.Target),
				zap.String("result", e.Result),
				zap.String("capability", string(e.Capability)),
				zap.String("reason", e.Reason))
		}
	}
	gate, err := policy.NewGate(c.Policies, c.Consents,
		policy.WithLogger(log.Named("policy")),
		policy.WithLedger(policy.NewLedger(sink)),
		policy.WithDecisionHook(m.Decision))
	if err != nil {
		return err
	}

	// 3. Query engine and resolver
	dir := directory.New(c.Users)
	eng := query.New(store, gate, dir, c.Buildings, query.Config{
		RecencyWindow:   cfg.Query.RecencyWindow,
		UnusualMultiple: cfg.Query.UnusualMultiple,
		Location:        loc,
		BusinessStart:   cfg.Query.BusinessStart,
		BusinessEnd:     cfg.Query.BusinessEnd,

		AnonymousAnalytics: cfg.Privacy.AllowAnonymousAnalytics,
	}, log.Named("query"))
	resolver := intent.New(eng, dir,
		intent.WithLatency(cfg.Resolver.Latency),
		intent.WithWindow(cfg.Resolver.Window),
		intent.WithLogger(log.Named("intent")),
		intent.WithObserver(m.Intent))

	// 4. Ingestion
	ing := ingest.New(store, gate, c.Buildings,
		ingest.WithInterval(cfg.Ingest.Interval),
		ingest.WithQueueSize(cfg.Ingest.QueueSize),
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithRecorder(m))

	// 5. Exports
	var key []byte
	if cfg.Export.Key != "" {
		if key, err = vault.ParseKey(cfg.Export.Key); err != nil {
			return errors.Wrap(err, "export.key")
		}
	}
	exporter, err := engine.NewExporter(cfg.Export.Dir, key)
	if err != nil {
		return err
	}

	// 6. External sources
	sources, err := buildSources(cfg, log)
	if err != nil {
		return err
	}

	// 7. HTTP API
	if !cfg.Log.JSON && cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &api.Handler{
		Engine:    eng,
		Gate:      gate,
		Resolver:  resolver,
		Ingest:    ing,
		Store:     store,
		Directory: dir,
		Exporter:  exporter,
		Settings:  cfg.PrivacySettings(),
		Log:       log.Named("api"),
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(h, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. TCP line protocol
	router := server.NewRouter(ing, resolver, log.Named("tcp"))
	if cfg.TCPTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return errors.Wrap(err, "generate TLS certificate")
		}
		router.SetCertificate(cert)
	}

	// Everything is built; nothing below returns before wg.Wait.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, len(sources)+3)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- errors.Wrap(err, name)
			}
		}()
	}

	spawn("ingest", func() error { return ing.Run(ctx) })
	for _, src := range sources {
		spawn(src.name, func() error { return src.run(ctx, ing) })
	}
	spawn("http", func() error {
		log.Info("http_listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	spawn("tcp", func() error {
		log.Info("tcp_listening", zap.Int("port", cfg.TCPPort), zap.Bool("tls", cfg.TCPTLS))
		return router.Listen(fmt.Sprint(cfg.TCPPort))
	})

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown_signal")
	case runErr = <-errc:
		log.Error("component_failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown", zap.Error(err))
	}
	router.Stop()
	wg.Wait()

	log.Info("stopped",
		zap.Int("events", store.Len()),
		zap.Int("audit_entries", gate.Ledger().Len()))
	return runErr
}
