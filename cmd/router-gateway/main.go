// Command router-gateway wires the routing core's components into a
// runnable process: serve starts the HTTP listener exposing /healthz and
// /metrics, version prints build info, health pings a running instance.
//
// Grounded on cmd/agentflow/main.go's subcommand dispatch (serve / version
// / health) and its serve-command wiring order (load config, build logger,
// open database, construct server, wait for shutdown signal), narrowed to
// the routing core's own component set instead of the full agent
// framework's.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/affinity"
	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/health"
	"github.com/BaSui01/agentflow/quota"
	"github.com/BaSui01/agentflow/selector"
	"github.com/BaSui01/agentflow/store"
	"github.com/BaSui01/agentflow/store/gormstore"
	"github.com/BaSui01/agentflow/store/memstore"
	"github.com/BaSui01/agentflow/store/redisstore"
	"github.com/BaSui01/agentflow/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// components bundles the wired routing core, the shape handlers close over.
type components struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *telemetry.Collector
	upstreams store.UpstreamStore
	breaker   *breaker.Breaker
	affinity  *affinity.Store
	quota     *quota.Tracker
	health    *health.Tracker
	selector  *selector.Selector
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting router-gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	metrics := telemetry.NewCollector("router_gateway", logger)

	upstreams := openUpstreamStore(cfg, logger)

	b := breaker.New(cfg.Breaker.ToBreakerConfig(), logger, func(upstreamID string, from, to breaker.State) {
		metrics.RecordBreakerTransition(upstreamID, from.String(), to.String())
	})

	aff := affinity.New(affinity.Config{
		SlidingTTL:      cfg.Affinity.SlidingTTL,
		MaxTTL:          cfg.Affinity.MaxTTL,
		Capacity:        cfg.Affinity.Capacity,
		CleanupInterval: cfg.Affinity.CleanupInterval,
	}, logger)
	aff.Start()
	defer aff.Stop()

	q := quota.NewTracker()
	h := health.New(openHealthStore(cfg, logger), logger)

	sel := selector.New(upstreams, b, aff, q, nil, logger)

	c := &components{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		upstreams: upstreams,
		breaker:   b,
		affinity:  aff,
		quota:     q,
		health:    h,
		selector:  sel,
	}

	srv := newHTTPServer(c)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.Int("port", cfg.Server.HTTPPort))

	waitForShutdown(srv, cfg.Server.ShutdownTimeout, logger)
	logger.Info("router-gateway stopped")
}

func openUpstreamStore(cfg *config.Config, logger *zap.Logger) store.UpstreamStore {
	if cfg.Database.Host == "" {
		logger.Warn("no database configured, using in-memory upstream store")
		return memstore.New()
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.Warn("database unavailable, falling back to in-memory upstream store", zap.Error(err))
		return memstore.New()
	}
	return gormstore.New(db)
}

// openHealthStore backs the health tracker with Redis when configured, so
// health state survives a process restart and is shared across replicas.
// Returns nil (in-process only) when Redis is disabled or unreachable.
func openHealthStore(cfg *config.Config, logger *zap.Logger) store.HealthStore {
	if !cfg.Redis.Enabled {
		return nil
	}

	rs, err := redisstore.New(redisstore.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		TTL:          cfg.Redis.TTL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, health state will not persist across restarts", zap.Error(err))
		return nil
	}
	return rs
}

func newHTTPServer(c *components) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", c.cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
	}
}

func waitForShutdown(srv *http.Server, timeout time.Duration, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("router-gateway %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`router-gateway - AI API gateway routing core

Usage:
  router-gateway <command> [options]

Commands:
  serve     Start the routing core's HTTP listener (/healthz, /metrics)
  version   Show version information
  health    Check a running instance's health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  router-gateway serve --config /etc/router-gateway/config.yaml
  router-gateway health --addr http://localhost:8080
  router-gateway version`)
}
