package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/convertly/internal/api"
	"github.com/dunamismax/convertly/internal/config"
	"github.com/dunamismax/convertly/internal/history"
	"github.com/dunamismax/convertly/internal/kv"
	"github.com/dunamismax/convertly/internal/presets"
	"github.com/dunamismax/convertly/internal/queue"
	"github.com/dunamismax/convertly/internal/ratelimit"
	"github.com/dunamismax/convertly/internal/storage"
	"github.com/dunamismax/convertly/internal/store"
	"github.com/dunamismax/convertly/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "convertly-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()

	jobStore, db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("job store setup failed: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	blobs, err := kv.Open(ctx, cfg.KV.Backend, redisClient, db, cfg.KV.KeyPrefix)
	if err != nil {
		logger.Fatalf("kv setup failed: %v", err)
	}

	builtins := presets.Defaults()
	if cfg.Convert.PresetsFile != "" {
		extra, err := presets.LoadFile(cfg.Convert.PresetsFile)
		if err != nil {
			logger.Fatalf("presets file failed: %v", err)
		}
		builtins = append(builtins, extra...)
	}

	opts := api.Options{
		Presets: presets.NewRegistry(blobs, builtins...),
		History: history.New(blobs, history.MaxEntries),
		Defaults: api.Defaults{
			Policy:  cfg.Convert.Policy(),
			Quality: cfg.Convert.Quality,
		},
		PresignTTL:            cfg.API.PresignTTL,
		RateLimitUserIDHeader: cfg.API.RateLimitUserIDHdr,
		Tracer:                otel.Tracer("convertly/api"),
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Printf("object storage disabled: %v", err)
	} else if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("object storage disabled bucket=%s err=%v", cfg.Storage.Bucket, err)
	} else {
		opts.Storage = storageClient
	}

	if cfg.API.RateLimitCapacity > 0 {
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, queueClient, jobStore, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s kv=%s postgres=%t", cfg.API.Addr, cfg.KV.Backend, db != nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
