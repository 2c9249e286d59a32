// Package config centralizes how filepond-server reads environment variables
// and exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address string

	// TempDir is the shared temp root holding chunk session directories and
	// finalized transfer-key directories.
	TempDir string
	// UploadDir is the permanent destination used by the store endpoint.
	UploadDir string

	// Secret keys the HMAC of every transfer key.
	Secret []byte

	MaxFileSize         int64
	MinFileSize         int64
	AllowedExtensions   []string
	MaxChunksPerSession int
	RetentionAge        time.Duration
	PurgeCron           string

	MinImageWidth  int
	MinImageHeight int
	MaxImageWidth  int
	MaxImageHeight int

	// Debug makes error responses carry the underlying error text instead of
	// the generic upload error message.
	Debug bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WorkerCount   int

	DatabaseURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool
}

const (
	defaultAddress     = ":8080"
	defaultMaxFileSize = 2 << 30 // 2 GiB
	defaultMaxChunks   = 10000
	defaultRetention   = 24 * time.Hour
	defaultPurgeCron   = "@every 1h"
	defaultWorkerCount = 4
)

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Address:             readEnv("FILEPOND_ADDRESS", defaultAddress),
		TempDir:             readEnv("FILEPOND_TEMP_DIR", filepath.Join(os.TempDir(), "filepond")),
		UploadDir:           readEnv("FILEPOND_UPLOAD_DIR", "uploads"),
		Secret:              parseSecret("FILEPOND_SECRET"),
		MaxFileSize:         parseInt64("FILEPOND_MAX_FILE_BYTES", defaultMaxFileSize),
		MinFileSize:         parseInt64("FILEPOND_MIN_FILE_BYTES", 0),
		AllowedExtensions:   parseList("FILEPOND_ALLOWED_EXTENSIONS", ""),
		MaxChunksPerSession: parseInt("FILEPOND_MAX_CHUNKS_PER_SESSION", defaultMaxChunks),
		RetentionAge:        parseDuration("FILEPOND_RETENTION_AGE", defaultRetention),
		PurgeCron:           readEnv("FILEPOND_PURGE_CRON", defaultPurgeCron),
		MinImageWidth:       parseInt("FILEPOND_MIN_IMAGE_WIDTH", 0),
		MinImageHeight:      parseInt("FILEPOND_MIN_IMAGE_HEIGHT", 0),
		MaxImageWidth:       parseInt("FILEPOND_MAX_IMAGE_WIDTH", 0),
		MaxImageHeight:      parseInt("FILEPOND_MAX_IMAGE_HEIGHT", 0),
		Debug:               parseBool("FILEPOND_DEBUG", false),
		RedisAddr:           readEnv("FILEPOND_REDIS_ADDR", ""),
		RedisPassword:       readEnv("FILEPOND_REDIS_PASSWORD", ""),
		RedisDB:             parseInt("FILEPOND_REDIS_DB", 0),
		WorkerCount:         parseInt("FILEPOND_WORKERS", defaultWorkerCount),
		DatabaseURL:         readEnv("FILEPOND_DATABASE_URL", ""),
		S3Endpoint:          readEnv("FILEPOND_S3_ENDPOINT", ""),
		S3AccessKey:         readEnv("FILEPOND_S3_ACCESS_KEY", ""),
		S3SecretKey:         readEnv("FILEPOND_S3_SECRET_KEY", ""),
		S3Bucket:            readEnv("FILEPOND_S3_BUCKET", "filepond-uploads"),
		S3Region:            readEnv("FILEPOND_S3_REGION", "us-east-1"),
		S3UseSSL:            parseBool("FILEPOND_S3_USE_SSL", false),
	}
	if cfg.Secret == nil {
		// Without a configured secret, transfer keys do not survive a process
		// restart. Fine for development, documented for production.
		cfg.Secret = randomSecret()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = defaultRetention
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	if val == "" {
		return nil
	}
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.ToLower(strings.TrimSpace(out[i]))
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte("filepond-fallback-secret")
	}
	return buf
}
