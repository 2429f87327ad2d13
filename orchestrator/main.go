package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saritra/pipeweave/orchestrator/idempotency"
	"github.com/saritra/pipeweave/orchestrator/middleware"
	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/registry"
	"github.com/saritra/pipeweave/orchestrator/stats"
	"github.com/saritra/pipeweave/orchestrator/store"
	"github.com/saritra/pipeweave/orchestrator/token"
)

// Config collects the environment knobs.
type Config struct {
	ListenAddr      string
	DatabaseURL     string // empty -> in-memory store (dev mode)
	RedisAddr       string // empty -> no Redis
	BlobRoot        string // empty -> in-memory object store
	APIToken        string
	StorageSecret   string
	MaxConcurrency  int
	PollIntervalMs  int
	TimeoutCheckSec int
	CleanupHours    int
	Serverless      bool // no loops; external ticks drive the poller
}

func loadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		BlobRoot:        os.Getenv("BLOB_ROOT"),
		APIToken:        os.Getenv("API_TOKEN"),
		StorageSecret:   os.Getenv("STORAGE_TOKEN_SECRET"),
		MaxConcurrency:  20,
		PollIntervalMs:  1000,
		TimeoutCheckSec: 5,
		CleanupHours:    1,
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("TIMEOUT_CHECK_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutCheckSec = n
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CleanupHours = n
		}
	}
	cfg.Serverless = os.Getenv("SERVERLESS_MODE") == "true"
	if cfg.StorageSecret == "" {
		log.Println("WARNING: STORAGE_TOKEN_SECRET not set. Using insecure default for dev mode ONLY.")
		cfg.StorageSecret = "insecure_default_secret_for_dev_mode_only_32bytes"
	}
	return cfg
}

// connectPostgres retries with exponential backoff so the orchestrator
// survives a database that comes up after it.
func connectPostgres(ctx context.Context, url string) (*store.PostgresStore, error) {
	var pg *store.PostgresStore
	op := func() error {
		var err error
		pg, err = store.NewPostgresStore(ctx, url)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return pg, nil
}

func connectRedis(addr string) (*store.RedisCache, error) {
	var cache *store.RedisCache
	op := func() error {
		var err error
		cache, err = store.NewRedisCache(addr, os.Getenv("REDIS_PASSWORD"), 0)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return cache, nil
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	// Durable store: Postgres in production, memory for single-node dev.
	var repo store.Store
	if cfg.DatabaseURL != "" {
		pg, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		repo = pg
		log.Printf("Connected to Postgres")
	} else {
		log.Println("DATABASE_URL not set. Using in-memory store (dev mode, no durability).")
		repo = store.NewMemoryStore()
	}

	// Ephemeral cache: request idempotency + dashboard snapshots.
	var cache *store.RedisCache
	if cfg.RedisAddr != "" {
		var err error
		cache, err = connectRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer cache.Close()
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	}

	// Object store.
	var blobs objectstore.Store
	if cfg.BlobRoot != "" {
		fsStore, err := objectstore.NewFilesystemStore(cfg.BlobRoot)
		if err != nil {
			log.Fatalf("Failed to open blob root %s: %v", cfg.BlobRoot, err)
		}
		blobs = fsStore
		log.Printf("Blob store at %s", cfg.BlobRoot)
	} else {
		log.Println("BLOB_ROOT not set. Using in-memory object store (dev mode).")
		blobs = objectstore.NewMemoryStore()
	}

	minter, err := token.NewMinter([]byte(cfg.StorageSecret), token.DefaultTTL)
	if err != nil {
		log.Fatalf("Storage token secret invalid: %v", err)
	}

	hub := NewEventsHub()
	go hub.Run(ctx)
	publisher := NewFanoutPublisher(hub)

	retrier := NewRetrier(repo, publisher)
	executor := NewExecutor(repo, blobs, retrier, publisher)
	dispatcher := NewDispatcher(repo, blobs, minter, executor)

	pollerConfig := PollerConfig{
		PollInterval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	poller := NewPoller(repo, dispatcher, pollerConfig)

	timeoutMonitor := NewTimeoutMonitor(repo, executor, time.Duration(cfg.TimeoutCheckSec)*time.Second)
	maintenance := NewMaintenanceController(repo, 5*time.Second)
	janitor := NewUploadJanitor(repo, blobs, time.Duration(cfg.CleanupHours)*time.Hour, 7*24*time.Hour)

	if cfg.Serverless {
		// External scheduler drives /tick; no background loops.
		poller.Activate()
		log.Println("Serverless mode: background loops disabled")
	} else {
		poller.Start(ctx)
		timeoutMonitor.Start(ctx)
		maintenance.Start(ctx)
		janitor.Start(ctx)
	}

	reg := registry.New(repo)
	// A nil *RedisCache must stay a nil interface, or the fallback never fires.
	var idemBackend idempotency.Backend
	if cache != nil {
		idemBackend = cache
	}
	idem := idempotency.NewStore(idemBackend, 24*time.Hour)
	aggregator := stats.NewAggregator(repo)

	api := NewAPI(repo, blobs, reg, executor, retrier, poller, maintenance, aggregator, hub, idem, cache, cfg.MaxConcurrency)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.Serverless {
		mux.HandleFunc("/tick", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			n, err := tick(r.Context(), poller, timeoutMonitor, maintenance, janitor)
			if err != nil {
				api.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"processed": n})
		})
	}
	api.Routes(mux)

	handler := middleware.CORSMiddleware(middleware.AuthMiddleware(cfg.APIToken, mux))

	fmt.Println("==================================================")
	fmt.Println("  PIPEWEAVE ORCHESTRATOR")
	fmt.Println("==================================================")
	fmt.Printf("Listen:         %s\n", cfg.ListenAddr)
	fmt.Printf("Concurrency:    %d\n", cfg.MaxConcurrency)
	fmt.Printf("Poll interval:  %dms\n", cfg.PollIntervalMs)
	fmt.Printf("Serverless:     %v\n", cfg.Serverless)
	fmt.Println("==================================================")

	log.Printf("Orchestrator listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}

// tick performs one pass of every periodic loop; the serverless entry point.
func tick(ctx context.Context, poller *Poller, monitor *TimeoutMonitor, maintenance *MaintenanceController, janitor *UploadJanitor) (int, error) {
	if err := monitor.CheckOnce(ctx); err != nil {
		return 0, err
	}
	if err := maintenance.CheckDrained(ctx); err != nil {
		return 0, err
	}
	if err := janitor.CleanOnce(ctx); err != nil {
		log.Printf("Tick: cleanup pass failed: %v", err)
	}
	return poller.Tick(ctx)
}
