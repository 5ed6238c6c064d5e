package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cowrite/api/internal/app"
	"cowrite/api/internal/blobstore"
	"cowrite/api/internal/collab"
	"cowrite/api/internal/config"
	"cowrite/api/internal/conflict"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/metrics"
	"cowrite/api/internal/notify"
	"cowrite/api/internal/ot"
	"cowrite/api/internal/redisstate"
	"cowrite/api/internal/relay"
	"cowrite/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	deps := app.Deps{
		Gatherer: promRegistry,
		Checks:   map[string]app.Pinger{},
	}

	// The event log and its search fallback need the Postgres backend.
	var db *sql.DB
	var pgStore *store.PostgresStore
	if cfg.StoreBackend == config.BackendPostgres {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL, 20)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		for _, version := range applied {
			log.Printf("applied migration %s", version)
		}
		pgStore = store.NewPostgresStore(db)
		deps.Checks["database"] = pgStore
		deps.Events = pgStore
	}

	var documents collab.DocumentStore
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		documents = pgStore
	case config.BackendGit:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			log.Fatalf("failed to create repos dir: %v", err)
		}
		repos := gitrepo.New(cfg.ReposDir)
		documents = repos
		deps.History = repos
	case config.BackendMinio:
		blobs, err := blobstore.New(blobstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			log.Fatalf("object storage bucket failed: %v", err)
		}
		documents = blobs
		deps.Checks["objectStorage"] = blobs
	case config.BackendMemory:
		log.Printf("Using in-memory document storage; saves are lost on restart")
		documents = collab.NewMemoryStore()
	default:
		log.Fatalf("unknown store backend %q", cfg.StoreBackend)
	}

	registryCfg := collab.RegistryConfig{
		SessionConfig: collab.SessionConfig{
			Store:     documents,
			Metrics:   m,
			Window:    cfg.BroadcastWindow,
			QueueSize: cfg.QueueSize,
		},
		NodeID:           cfg.NodeID,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
	if cfg.AutoResolve != "" {
		strategy, ok := conflict.ParseStrategy(cfg.AutoResolve)
		if !ok {
			log.Fatalf("unknown auto-resolve strategy %q", cfg.AutoResolve)
		}
		registryCfg.AutoResolve = strategy
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for document leases, presence and relay")
		redisStore, err := redisstate.NewRedisStore(cfg.RedisURL, cfg.LeaseTTL, cfg.PresenceTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()

		messageRelay := relay.NewRedisRelay(redisStore.Client(), cfg.NodeID, cfg.QueueSize)
		defer messageRelay.Close()

		registryCfg.Lease = redisStore
		registryCfg.Mirror = redisStore
		registryCfg.Relay = messageRelay
		deps.Checks["redis"] = redisStore
		deps.Presence = redisStore
		deps.Watcher = messageRelay
	} else {
		log.Printf("No REDIS_URL; running single-node")
	}

	sinks := []notify.Sink{notify.LogSink{}}
	if pgStore != nil {
		sinks = append(sinks, notify.NewPostgresSink(pgStore))
	}
	var meiliSink *notify.MeiliSink
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliSink = notify.NewMeiliSink(cfg.MeiliURL, cfg.MeiliMasterKey, 10*time.Second)
		defer meiliSink.Close()
		sinks = append(sinks, meiliSink)
	}
	if meiliSink != nil || pgStore != nil {
		var querier notify.EventQuerier
		if pgStore != nil {
			querier = pgStore
		}
		deps.Search = notify.NewSearch(meiliSink, querier)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, sinks...)
	defer dispatcher.Close()
	registryCfg.Notifier = dispatcher

	switch cfg.Generator {
	case "prefix":
		deps.Generator = ot.PrefixGenerator{}
	default:
		deps.Generator = ot.DiffGenerator{}
	}

	registry := collab.NewRegistry(registryCfg)
	deps.Registry = registry
	runCtx, stopRegistry := context.WithCancel(ctx)
	defer stopRegistry()
	go registry.Run(runCtx)

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("cowrite node %s listening on %s (store=%s)", registry.NodeID(), cfg.Addr, cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopRegistry()
	registry.Close(shutdownCtx)
	if dropped := dispatcher.Dropped(); dropped > 0 {
		log.Printf("notify: %d events dropped", dropped)
	}
}
