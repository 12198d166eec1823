// Command admp-hub is the process entry point for the ADMP messaging
// hub: it loads configuration, wires the core services over a storage
// backend, starts the background sweeper, and serves the HTTP API
// until a shutdown signal drains in-flight requests. Follows
// services/control-plane/registry and aggregator mains' sql.Open + WAL
// DSN for sqlite and signal-driven shutdown shape, with the
// graceful-shutdown drain generalized from a bare os.Exit to
// signal.NotifyContext + http.Server.Shutdown.
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

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/apikey"
	"github.com/admp/hub/internal/cache"
	"github.com/admp/hub/internal/config"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/httpapi"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/roundtable"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/storage/memory"
	"github.com/admp/hub/internal/storage/remote"
	"github.com/admp/hub/internal/sweeper"
	"github.com/admp/hub/internal/telemetry"
	"github.com/admp/hub/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}

	level := telemetry.LevelInfo
	if cfg.NodeEnv == "development" {
		level = telemetry.LevelDebug
	}
	log := telemetry.NewLogger(os.Stdout, "admp-hub", level)

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Error("storage init failed", telemetry.F("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	metrics := &telemetry.Counters{}
	keyCache := cache.New(cfg.RedisAddr, 10*time.Minute)

	agents := agent.New(store, log.With("agent"), cfg.HeartbeatTimeout()).WithKeyCache(keyCache)
	dispatcher := webhook.New(store, log.With("webhook"), metrics, 8)
	defer dispatcher.Close()
	streamHub := httpapi.NewStreamHub(log.With("stream"))
	inb := inbox.New(store, agents, dispatcher, log.With("inbox"), metrics).
		WithKeyCache(keyCache).
		WithMaxPerAgent(int(cfg.MaxMessagesPerAgent)).
		WithMaxBodyBytes(int(cfg.MaxMessageSizeKB) * 1024).
		WithStreamHub(streamHub)
	groups := group.New(store, inb, log.With("group"), metrics, int(cfg.MaxGroupMembers))
	roundTables := roundtable.New(store, groups, inb, log.With("roundtable"), metrics)
	apiKeys := apikey.New(store, log.With("apikey"))

	sw := sweeper.New(store, roundTables, log.With("sweeper"), metrics, cfg.CleanupInterval(), inbox.DefaultRetention, cfg.HeartbeatTimeout())

	router := httpapi.NewRouter(httpapi.Deps{
		Store:          store,
		Agents:         agents,
		Inbox:          inb,
		Groups:         groups,
		RoundTables:    roundTables,
		APIKeys:        apiKeys,
		Metrics:        metrics,
		Log:            log.With("http"),
		StreamHub:      streamHub,
		CORSOrigin:     cfg.CORSOrigin,
		APIKeyRequired: cfg.APIKeyRequired,
		MasterAPIKey:   cfg.MasterAPIKey,
		RateLimitRPM:   600,
		RateLimitBurst: 60,
		StartedAt:      time.Now().UTC(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sw.Run(sweepCtx)

	go func() {
		log.Info("starting", telemetry.F("addr", srv.Addr), telemetry.F("storage_backend", string(cfg.StorageBackend)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", telemetry.F("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", telemetry.F("error", err.Error()))
	}
	log.Info("stopped")
}

// openStore selects the configured backend (STORAGE_BACKEND)
// and returns a Store plus a cleanup func. The memory backend's cleanup
// is a no-op; the remote backend's closes the underlying *sql.DB.
func openStore(cfg config.Config, log *telemetry.Logger) (storage.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory, "":
		return memory.New(), func() {}, nil
	case config.BackendRemote:
		driverName, dialect := "sqlite3", remote.DialectSQLite
		dsn := cfg.RemoteDSN
		switch cfg.RemoteDriver {
		case config.DriverPostgres:
			driverName, dialect = "postgres", remote.DialectPostgres
		case config.DriverSQLite, "":
			driverName, dialect = "sqlite3", remote.DialectSQLite
			if dsn == "" {
				dsn = "file:admp.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON"
			}
		}
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		if dialect == remote.DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		store, err := remote.Open(db, remote.Options{Dialect: dialect})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("remote storage ready", telemetry.F("driver", driverName))
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}
