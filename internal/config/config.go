package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	Muxer     MuxerConfig
	Render    RenderConfig
	Pricing   PricingConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	RendersPerHour int
}

type StorageConfig struct {
	Endpoint        string // empty for plain AWS S3
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type WorkerConfig struct {
	InvokeURL      string
	TimeoutSeconds int // per-invocation deadline
}

type MuxerConfig struct {
	ServiceURL     string
	TimeoutSeconds int
}

type RenderConfig struct {
	MaxRetriesPerChunk int
	JobTimeoutMs       int64
	RetryBackoffMs     int64 // base delay; doubles per attempt, capped
	RetryBackoffCapMs  int64
	PipelinedStitching bool
	MemoryMb           int // worker memory size, for pricing
	DiskMb             int // worker ephemeral disk, for pricing
}

type PricingConfig struct {
	Region string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.renders_per_hour", "RATELIMIT_RENDERS_PER_HOUR")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("storage.region", "STORAGE_REGION")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("worker.invoke_url", "WORKER_INVOKE_URL")
	_ = viper.BindEnv("worker.timeout", "WORKER_TIMEOUT")
	_ = viper.BindEnv("muxer.service_url", "MUXER_SERVICE_URL")
	_ = viper.BindEnv("muxer.timeout", "MUXER_TIMEOUT")
	_ = viper.BindEnv("render.max_retries_per_chunk", "RENDER_MAX_RETRIES_PER_CHUNK")
	_ = viper.BindEnv("render.job_timeout_ms", "RENDER_JOB_TIMEOUT_MS")
	_ = viper.BindEnv("render.retry_backoff_ms", "RENDER_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("render.retry_backoff_cap_ms", "RENDER_RETRY_BACKOFF_CAP_MS")
	_ = viper.BindEnv("render.pipelined_stitching", "RENDER_PIPELINED_STITCHING")
	_ = viper.BindEnv("render.memory_mb", "RENDER_MEMORY_MB")
	_ = viper.BindEnv("render.disk_mb", "RENDER_DISK_MB")
	_ = viper.BindEnv("pricing.region", "PRICING_REGION")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.renders_per_hour", 20)
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("worker.timeout", 240)
	viper.SetDefault("muxer.service_url", "http://localhost:8084")
	viper.SetDefault("muxer.timeout", 600)
	viper.SetDefault("render.max_retries_per_chunk", 1)
	viper.SetDefault("render.job_timeout_ms", 1800000) // 30 min
	viper.SetDefault("render.retry_backoff_ms", 500)
	viper.SetDefault("render.retry_backoff_cap_ms", 10000)
	viper.SetDefault("render.pipelined_stitching", false)
	viper.SetDefault("render.memory_mb", 2048)
	viper.SetDefault("render.disk_mb", 2048)
	viper.SetDefault("pricing.region", "us-east-1")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			RendersPerHour: viper.GetInt("ratelimit.renders_per_hour"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		Worker: WorkerConfig{
			InvokeURL:      viper.GetString("worker.invoke_url"),
			TimeoutSeconds: viper.GetInt("worker.timeout"),
		},
		Muxer: MuxerConfig{
			ServiceURL:     viper.GetString("muxer.service_url"),
			TimeoutSeconds: viper.GetInt("muxer.timeout"),
		},
		Render: RenderConfig{
			MaxRetriesPerChunk: viper.GetInt("render.max_retries_per_chunk"),
			JobTimeoutMs:       viper.GetInt64("render.job_timeout_ms"),
			RetryBackoffMs:     viper.GetInt64("render.retry_backoff_ms"),
			RetryBackoffCapMs:  viper.GetInt64("render.retry_backoff_cap_ms"),
			PipelinedStitching: viper.GetBool("render.pipelined_stitching"),
			MemoryMb:           viper.GetInt("render.memory_mb"),
			DiskMb:             viper.GetInt("render.disk_mb"),
		},
		Pricing: PricingConfig{
			Region: viper.GetString("pricing.region"),
		},
	}

	return cfg, nil
}
