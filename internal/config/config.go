package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/hibiken/asynq"
)

type Config struct {
	API      APIConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Convert  ConvertConfig
	Storage  StorageConfig
	Database DatabaseConfig
	KV       KVConfig
	Tracing  TracingConfig
	Webhook  WebhookConfig
	Import   ImportConfig
}

type APIConfig struct {
	Addr               string
	PresignTTL         time.Duration
	RateLimitCapacity  int
	RateLimitWindow    time.Duration
	RateLimitUserIDHdr string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency      int
	MaxActiveJobs    int
	ImageConcurrency int
	LocalOutputDir   string
	MetricsAddr      string
}

// ConvertConfig holds the session defaults applied when a request names no
// policy or preset.
type ConvertConfig struct {
	Mode                domain.Mode
	TargetWidth         int
	TargetHeight        int
	MaintainAspectRatio bool
	Quality             float64
	Interpolation       string
	Bundle              bool
	PresetsFile         string
}

func (c ConvertConfig) Policy() domain.ResizePolicy {
	return domain.ResizePolicy{
		Mode:                c.Mode,
		TargetWidth:         c.TargetWidth,
		TargetHeight:        c.TargetHeight,
		MaintainAspectRatio: c.MaintainAspectRatio,
	}
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

// KVConfig selects the blob store behind history and presets:
// memory, redis or postgres.
type KVConfig struct {
	Backend   string
	KeyPrefix string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type WebhookConfig struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

type ImportConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:               env("CONVERTLY_API_ADDR", ":8080"),
			PresignTTL:         envDuration("CONVERTLY_PRESIGN_TTL", 15*time.Minute),
			RateLimitCapacity:  envInt("CONVERTLY_RATE_LIMIT_CAPACITY", 60),
			RateLimitWindow:    envDuration("CONVERTLY_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitUserIDHdr: env("CONVERTLY_RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:    envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			ImageConcurrency: envInt("WORKER_IMAGE_CONCURRENCY", 1),
			LocalOutputDir:   env("WORKER_LOCAL_OUTPUT_DIR", "./.convertly-output"),
			MetricsAddr:      env("WORKER_METRICS_ADDR", ":9091"),
		},
		Convert: ConvertConfig{
			Mode:                domain.Mode(env("CONVERTLY_MODE", string(domain.ModeBoth))),
			TargetWidth:         envInt("CONVERTLY_TARGET_WIDTH", domain.DefaultTargetWidth),
			TargetHeight:        envInt("CONVERTLY_TARGET_HEIGHT", domain.DefaultTargetHeight),
			MaintainAspectRatio: envBool("CONVERTLY_MAINTAIN_ASPECT", true),
			Quality:             envFloat("CONVERTLY_QUALITY", domain.DefaultQuality),
			Interpolation:       env("CONVERTLY_INTERPOLATION", "catmullrom"),
			Bundle:              envBool("CONVERTLY_BUNDLE_ZIP", true),
			PresetsFile:         env("CONVERTLY_PRESETS_FILE", ""),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "convertly-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		KV: KVConfig{
			Backend:   env("CONVERTLY_KV_BACKEND", "memory"),
			KeyPrefix: env("CONVERTLY_KV_PREFIX", "convertly:kv"),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("CONVERTLY_WEBHOOK_SECRET", ""),
			Timeout:       envDuration("CONVERTLY_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("CONVERTLY_WEBHOOK_MAX_ATTEMPTS", 3),
		},
		Import: ImportConfig{
			Timeout:  envDuration("CONVERTLY_IMPORT_TIMEOUT", 30*time.Second),
			MaxBytes: int64(envInt("CONVERTLY_IMPORT_MAX_BYTES", 25<<20)),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
