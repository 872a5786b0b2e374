package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const (
	RecordStorePostgres = "postgres"
	RecordStoreMemory   = "memory"

	BlobBackendMinIO  = "minio"
	BlobBackendDisk   = "disk"
	BlobBackendMemory = "memory"
)

type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RateLimitConfig struct {
	InitLimit     int
	ChunkLimit    int
	CompleteLimit int
	StatusLimit   int
	TimeWindow    time.Duration
}

type Config struct {
	Env      string
	LogLevel string

	ServerPort     string
	AllowedOrigins []string

	RecordStore string
	DatabaseURL string

	BlobBackend string
	DiskRoot    string
	MinIO       MinIOConfig

	StagingPrefix   string
	PermanentPrefix string
	MaxChunkSize    int64
	MaxUploadSize   int64

	Redis RedisConfig

	ServiceName  string
	OTLPEndpoint string

	CleanupInterval time.Duration
	PendingTTL      time.Duration
	ProcessingTTL   time.Duration

	RateLimit RateLimitConfig
}

// Load reads the configuration from the environment. Variables from a .env
// file are expected to be loaded by the caller beforehand.
func Load() (*Config, error) {
	maxChunk, err := getEnvSize("MAX_CHUNK_SIZE", "16MiB")
	if err != nil {
		return nil, err
	}
	maxUpload, err := getEnvSize("MAX_UPLOAD_SIZE", "5GiB")
	if err != nil {
		return nil, err
	}

	env := getEnv("APP_ENV", "development")
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "debug"
		if env == "production" {
			level = "info"
		}
	}

	cfg := &Config{
		Env:            env,
		LogLevel:       level,
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:4173,http://localhost:3000"),

		RecordStore: strings.ToLower(getEnv("RECORD_STORE", RecordStorePostgres)),
		DatabaseURL: os.Getenv("DB_URL"),

		BlobBackend: strings.ToLower(getEnv("BLOB_BACKEND", BlobBackendMinIO)),
		DiskRoot:    getEnv("DISK_ROOT", "./data"),
		MinIO: MinIOConfig{
			Endpoint:   os.Getenv("MINIO_ENDPOINT"),
			AccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey:  os.Getenv("MINIO_SECRET_KEY"),
			BucketName: getEnv("MINIO_BUCKET_NAME", "uploads"),
			UseSSL:     getEnvBool("MINIO_USE_SSL", false),
		},

		StagingPrefix:   strings.Trim(getEnv("STAGING_PREFIX", "temp/uploads"), "/"),
		PermanentPrefix: strings.Trim(getEnv("PERMANENT_PREFIX", "uploads"), "/"),
		MaxChunkSize:    maxChunk,
		MaxUploadSize:   maxUpload,

		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("STATUS_CACHE_TTL", 30*time.Second),
		},

		ServiceName:  getEnv("SERVICE_NAME", "resumable-uploads"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		PendingTTL:      getEnvDuration("UPLOAD_PENDING_TTL", 24*time.Hour),
		ProcessingTTL:   getEnvDuration("UPLOAD_PROCESSING_TTL", time.Hour),

		RateLimit: RateLimitConfig{
			InitLimit:     getEnvInt("RATE_LIMIT_UPLOAD_INIT", 10),
			ChunkLimit:    getEnvInt("RATE_LIMIT_CHUNK_UPLOAD", 600),
			CompleteLimit: getEnvInt("RATE_LIMIT_UPLOAD_COMPLETE", 20),
			StatusLimit:   getEnvInt("RATE_LIMIT_STATUS", 120),
			TimeWindow:    time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RecordStore {
	case RecordStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_URL environment variable is not set")
		}
	case RecordStoreMemory:
	default:
		return fmt.Errorf("unknown RECORD_STORE %q", c.RecordStore)
	}

	switch c.BlobBackend {
	case BlobBackendMinIO:
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT environment variable is not set")
		}
	case BlobBackendDisk:
		if c.DiskRoot == "" {
			return fmt.Errorf("DISK_ROOT must not be empty")
		}
	case BlobBackendMemory:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.StagingPrefix == "" || c.PermanentPrefix == "" {
		return fmt.Errorf("staging and permanent prefixes must not be empty")
	}
	if c.StagingPrefix == c.PermanentPrefix {
		return fmt.Errorf("staging and permanent prefixes must differ")
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	parts := strings.Split(getEnv(key, defaultValue), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvSize accepts human readable sizes such as "16MiB" or "5GB".
func getEnvSize(key, defaultValue string) (int64, error) {
	val := getEnv(key, defaultValue)
	size, err := units.RAMInBytes(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return size, nil
}
