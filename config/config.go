// Package config loads the broker's runtime configuration from the
// environment, optionally seeded from a .env file for local development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// KMSBackend selects which kms.Engine variant the broker wires up.
type KMSBackend string

const (
	KMSBackendMemory KMSBackend = "memory"
	KMSBackendLocal  KMSBackend = "local"
	KMSBackendRemote KMSBackend = "remote"
)

// Config is the broker's runtime configuration. Fields mirror the
// environment keys recognized per spec section 6, plus the additional keys
// the domain stack wired in by SPEC_FULL.md requires.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string `env:"DB_PATH" default:"creek.db"`

	// Host is the external URL root used to construct queue URLs.
	Host string `env:"HOST" default:"http://localhost:8080"`

	// DefaultMaxRetries seeds QueueConfig.MaxRetries on queue creation.
	DefaultMaxRetries uint32 `env:"DEFAULT_MAX_RETRIES" default:"3"`

	// SessionTTLSeconds is the TTL applied to newly minted sessions.
	SessionTTLSeconds int64 `env:"SESSION_TTL_SECONDS" default:"86400"`

	// KMSBackend selects the KMS engine variant.
	KMSBackend KMSBackend `env:"KMS_BACKEND" default:"local"`

	// KMSRemoteRegion is the AWS region used by the remote KMS backend.
	KMSRemoteRegion string `env:"KMS_REMOTE_REGION" default:"us-east-1"`

	// HTTPAddr is the listen address for the combined SQS + management HTTP server.
	HTTPAddr string `env:"HTTP_ADDR" default:":8080"`

	// MaxBodyBytes bounds the request body the auth pipeline buffers for
	// signature verification and replay.
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" default:"1048576"`

	// SessionCookieHashKey signs the session cookie. In production this
	// must be set explicitly; a random key is generated at startup
	// otherwise, which invalidates sessions across restarts.
	SessionCookieHashKey string `env:"SESSION_COOKIE_HASH_KEY"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" default:"info"`
}

// Load reads a .env file if present (missing is not an error) then fills a
// Config from the environment, applying defaults for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg := &Config{
		DBPath:                getEnv("DB_PATH", "creek.db"),
		Host:                  getEnv("HOST", "http://localhost:8080"),
		DefaultMaxRetries:     uint32(getEnvInt("DEFAULT_MAX_RETRIES", 3)),
		SessionTTLSeconds:     getEnvInt("SESSION_TTL_SECONDS", 86400),
		KMSBackend:            KMSBackend(getEnv("KMS_BACKEND", string(KMSBackendLocal))),
		KMSRemoteRegion:       getEnv("KMS_REMOTE_REGION", "us-east-1"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		MaxBodyBytes:          getEnvInt("MAX_BODY_BYTES", 1<<20),
		SessionCookieHashKey:  getEnv("SESSION_COOKIE_HASH_KEY", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
