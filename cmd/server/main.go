package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/clickstock/internal/api"
	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/pkg/logger"
	"github.com/ignite/clickstock/internal/proxy"
	"github.com/ignite/clickstock/internal/redirect"
	"github.com/ignite/clickstock/internal/repository/postgres"
	"github.com/ignite/clickstock/internal/service/assign"
	"github.com/ignite/clickstock/internal/service/campaign"
	"github.com/ignite/clickstock/internal/service/produce"
	"github.com/ignite/clickstock/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

const (
	sweepJobTimeout    = 10 * time.Minute
	recoveryJobTimeout = 5 * time.Minute
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// hardenDatabaseURL appends connect and statement timeouts so a wedged
// Postgres cannot hang boot or hold a pool slot forever.
func hardenDatabaseURL(dbURL string, cfg config.DatabaseConfig) string {
	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	if !strings.Contains(dbURL, "connect_timeout") {
		dbURL += fmt.Sprintf("%sconnect_timeout=%d", sep, cfg.ConnectTimeoutSeconds)
		sep = "&"
	}
	if !strings.Contains(dbURL, "statement_timeout") {
		ms := cfg.StatementTimeoutSeconds * 1000
		dbURL += fmt.Sprintf("%soptions=-c%%20statement_timeout%%3D%d%%20-c%%20idle_in_transaction_session_timeout%%3D%d", sep, ms, ms)
	}
	return dbURL
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Clickstock Suffix Pool Server (cmd/server/main.go)        ║")
	log.Println("║  Multi-tenant tracking-suffix leasing and replenishment    ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())

	// Connect PostgreSQL
	dbURL := hardenDatabaseURL(cfg.Database.URL, cfg.Database)
	log.Printf("DB URL host portion: ...@%s/...", extractHost(dbURL))
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, pingCancel := context.WithTimeout(ctx, time.Duration(cfg.Database.ConnectTimeoutSeconds)*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected successfully")

	if cfg.Database.MigrateOnBoot {
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Database migrations applied")
	}

	// Connect Redis. Optional: without it, replenish locks fall back to PG
	// advisory locks and rate limiting counts per process.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v, falling back to PG advisory locks", cfg.Redis.URL, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s (distributed locking enabled)", cfg.Redis.URL)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured (REDIS_URL not set), using PG advisory locks for distributed locking")
	}

	// Repositories
	assignmentRepo := postgres.NewAssignmentRepo(db)
	campaignRepo := postgres.NewCampaignMetaRepo(db)
	poolRepo := postgres.NewPoolRepo(db)
	proxyRepo := postgres.NewProxyRepo(db)
	apiKeyRepo := postgres.NewAPIKeyRepo(db)
	alertRepo := postgres.NewAlertRepo(db)

	// Alerting: DB-backed trail, optional webhook fan-out
	notifier := worker.NewWebhookNotifier(cfg.Alerts)
	if notifier != nil {
		log.Println("Alert webhook notifier enabled")
	}
	alerter := worker.NewAlerter(alertRepo, notifier, cfg.Recovery.AlertDedupWindow())

	// Suffix production pipeline: proxy selection, redirect walking, storage
	prober := proxy.NewProber(cfg.Probe.EchoServices, cfg.Probe.Timeout())
	selector := proxy.NewSelector(proxyRepo, prober)
	tracker := redirect.NewTracker(redirect.Config{
		UserAgent:         cfg.Tracker.UserAgent,
		MaxRedirects:      cfg.Tracker.MaxRedirects,
		PerRequestTimeout: cfg.Tracker.StepTimeout(),
		TotalTimeout:      cfg.Producer.TotalBudget(),
		MaxBodyBytes:      cfg.Tracker.MaxBodyBytes,
	})
	producer := produce.NewProducer(produce.SelectorSource{Selector: selector}, tracker, poolRepo, produce.Config{
		TotalBudget:  cfg.Producer.TotalBudget(),
		StepRetries:  cfg.Tracker.RetryCount,
		MockFallback: cfg.Producer.MockFallback,
	})
	if cfg.Producer.MockFallback {
		log.Println("Warning: producer mock fallback enabled, synthetic suffixes on proxy exhaustion (dev only)")
	}

	// Background workers. Interface vars stay nil when a worker is disabled
	// so downstream nil checks behave (a typed-nil pointer would not).
	var replenisher *worker.Replenisher
	var replenishTrigger assign.ReplenishTrigger
	var replenishRunner api.ReplenishRunner
	if cfg.Replenish.Enabled {
		replenisher = worker.NewReplenisher(db, producer, redisClient, cfg.Replenish)
		replenishTrigger = replenisher
		replenishRunner = replenisher
		go replenisher.Start(ctx)
		log.Printf("Replenisher started (watermark %d, batch %d, %d campaign workers)",
			cfg.Replenish.LowWatermark, cfg.Replenish.BatchSize, cfg.Replenish.CampaignConcurrency)
	} else {
		log.Println("Replenisher disabled; stock only changes via imports and recovery")
	}

	var recovery *worker.RecoveryMonitor
	var alertMonitor *worker.AlertMonitor
	var recoveryRunner api.RecoveryRunner
	var alertScanner api.AlertScanner
	if cfg.Recovery.Enabled {
		recovery = worker.NewRecoveryMonitor(db, alerter, proxyRepo, cfg.Recovery)
		alertMonitor = worker.NewAlertMonitor(db, alerter, cfg.Recovery)
		recoveryRunner = recovery
		alertScanner = alertMonitor
	} else {
		log.Println("Recovery monitor disabled; stuck leases will not expire automatically")
	}

	// Cron registry
	registry := worker.NewRegistry()
	if replenisher != nil {
		if err := registry.Register("replenish-sweep", cfg.Replenish.CronSpec, sweepJobTimeout, replenisher.Sweep); err != nil {
			log.Fatalf("Failed to register replenish-sweep job: %v", err)
		}
	}
	if recovery != nil {
		if err := registry.Register("lease-recovery", cfg.Recovery.CronSpec, recoveryJobTimeout, recovery.Run); err != nil {
			log.Fatalf("Failed to register lease-recovery job: %v", err)
		}
		if err := registry.Register("alert-scan", cfg.Recovery.CronSpec, recoveryJobTimeout, alertMonitor.Run); err != nil {
			log.Fatalf("Failed to register alert-scan job: %v", err)
		}
	}
	registry.Start()
	log.Printf("Cron registry started: %d jobs", len(registry.Snapshot()))

	// Services
	engine := assign.NewEngine(assignmentRepo, replenishTrigger)
	campaignSvc := campaign.NewService(campaignRepo)

	authManager, err := auth.NewManager(apiKeyRepo)
	if err != nil {
		log.Fatalf("Failed to initialize auth manager: %v", err)
	}
	defer authManager.Close()

	limiter := api.NewRateLimiter(redisClient, cfg.RateLimit)
	if cfg.RateLimit.Enabled {
		log.Printf("Rate limiting enabled: generic %d/min, batch %d/min, admin %d/min",
			cfg.RateLimit.GenericPerMin, cfg.RateLimit.BatchPerMin, cfg.RateLimit.AdminPerMin)
	}
	health := api.NewHealthChecker(db, redisClient, registry)

	handlers := api.NewHandlers(engine, campaignSvc, replenishRunner, recoveryRunner, alertScanner, alertRepo, registry, campaignRepo, cfg.Auth.CronSecret)
	server := api.NewServer(cfg.Server, handlers, authManager, limiter, health)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	logger.Info("server ready",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		"jobs", len(registry.Snapshot()),
		"rate_limit", cfg.RateLimit.Enabled,
		"replenisher", cfg.Replenish.Enabled,
		"cron_secret", cfg.Auth.CronSecret)

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	registry.Stop(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if redisClient != nil {
		redisClient.Close()
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Server stopped")
}
