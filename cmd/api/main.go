package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/api"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/config"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/db"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/services"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/statuscache"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/storage"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/worker"
)

func main() {
	log.Println("Starting AutoCut Pro export service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database — the process exits rather than running degraded
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Optional Redis status cache
	var cache *statuscache.Cache
	if cfg.RedisURL != "" {
		cache, err = statuscache.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer cache.Close()
		log.Println("Connected to Redis status cache")
	} else {
		log.Println("REDIS_URL not set — status cache disabled")
	}

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	log.Println("Initialized Supabase storage")

	// Start worker if enabled
	var w *worker.Worker
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			log.Fatalf("ffmpeg not found in PATH: %v", err)
		}

		log.Println("Worker enabled, starting export processing...")

		// A nil *statuscache.Cache must stay a nil interface, or the worker's
		// nil checks would pass and the first cache write would panic.
		var workerCache worker.StatusCache
		if cache != nil {
			workerCache = cache
		}

		w = worker.New(database, stor, services.NewTranscoder(), workerCache, worker.Config{
			WorkerID:      cfg.WorkerID,
			ExportsBucket: cfg.ExportsBucket,
			ScratchDir:    cfg.ScratchDir,
			MaxConcurrent: cfg.MaxConcurrentJobs,
			PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
			JobTimeout:    time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		})

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)

		if cfg.JanitorEnabled {
			janitor := worker.NewJanitor(database, cfg.MaxRetries)
			if err := janitor.Start(); err != nil {
				log.Fatalf("Failed to start retry janitor: %v", err)
			}
			defer janitor.Stop()
		}
	}

	// Create API handler
	var runner api.Runner
	if w != nil {
		runner = w
	}
	var apiCache api.StatusCache
	if cache != nil {
		apiCache = cache
	}
	handler := api.NewHandler(database, stor, apiCache, runner, api.HandlerConfig{
		SourceBucket:        cfg.SourceBucket,
		ExportsBucket:       cfg.ExportsBucket,
		SignedURLTTLSeconds: cfg.SignedURLTTLSeconds,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker: stop claiming first, then wait for in-flight jobs so a
	// deploy doesn't fail half-rendered exports and burn their retry budget.
	if w != nil {
		workerCancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
		if err := w.Drain(drainCtx); err != nil {
			log.Printf("Gave up waiting for in-flight jobs: %v", err)
		}
		drainCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
