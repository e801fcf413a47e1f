// Package config reads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ListenAddr  string
	LogLevel    string
	PollTimeout time.Duration

	StorageType    string
	DataSourceName string
	DatabaseURL    string

	PresenceType string
	RedisURL     string
	PresenceTTL  time.Duration

	ArchiveType string
	ArchivePath string
	S3Bucket    string

	NatsURL        string
	TeardownQueue  string
	AllowedOrigins []string
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	timeout, err := strconv.Atoi(getEnv("CHAT_TIMEOUT", "10"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("CHAT_TIMEOUT must be a positive number of seconds, got %q", os.Getenv("CHAT_TIMEOUT"))
	}
	ttl, err := time.ParseDuration(getEnv("PRESENCE_TTL", "24h"))
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("PRESENCE_TTL must be a positive duration, got %q", os.Getenv("PRESENCE_TTL"))
	}

	return &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":3002"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		PollTimeout:    time.Duration(timeout) * time.Second,
		StorageType:    os.Getenv("STORAGE_TYPE"),
		DataSourceName: getEnv("DATA_SOURCE_NAME", "openchat.db"),
		DatabaseURL:    os.Getenv("DB_URL"),
		PresenceType:   os.Getenv("PRESENCE_TYPE"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PresenceTTL:    ttl,
		ArchiveType:    os.Getenv("ARCHIVE_TYPE"),
		ArchivePath:    getEnv("ARCHIVE_PATH", "./archive"),
		S3Bucket:       os.Getenv("S3_BUCKET_NAME"),
		NatsURL:        os.Getenv("NATS_URL"),
		TeardownQueue:  os.Getenv("TEARDOWN_QUEUE"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
