// Package config loads ADMP hub configuration from environment variables,
// with an optional YAML overlay file. This is a trimmed
// version of pkg/config/loader.go: the file-tier/tenant
// layering merge system there has no caller here (ADMP's config surface
// is a flat env-var list), so only the env-var-with-defaults and
// optional-YAML-overlay conventions are carried forward.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageBackend string

const (
	BackendMemory StorageBackend = "memory"
	BackendRemote StorageBackend = "remote"
)

type RemoteDriver string

const (
	DriverPostgres RemoteDriver = "postgres"
	DriverSQLite   RemoteDriver = "sqlite"
)

// Config holds every recognized deployment option.
type Config struct {
	Port string
	NodeEnv string

	StorageBackend StorageBackend
	RemoteDriver   RemoteDriver
	RemoteDSN      string

	HeartbeatIntervalMS int64
	HeartbeatTimeoutMS  int64

	MessageTTLSec    int64
	MaxMessageSizeKB int64
	MaxMessagesPerAgent int64
	MaxGroupMembers  int64

	CleanupIntervalMS int64

	APIKeyRequired bool
	MasterAPIKey   string

	CORSOrigin string

	RedisAddr string
}

// overlay is the subset of Config fields that may come from an optional
// YAML file, keyed the same as the env vars (lowercased, underscored).
type overlay map[string]any

// Load builds a Config from the environment, optionally overlaid first
// by ADMP_CONFIG_FILE (YAML, analogous to a JSON-as-YAML config file) so
// a deployment can check in a base file and override pieces
// of it per-environment via env vars, env-over-file
// (env vars always win).
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("ADMP_CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		var ov overlay
		if err := yaml.Unmarshal(b, &ov); err != nil {
			return cfg, err
		}
		applyOverlay(&cfg, ov)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		Port:                "8080",
		NodeEnv:             "development",
		StorageBackend:      BackendMemory,
		RemoteDriver:        DriverSQLite,
		HeartbeatIntervalMS: 30_000,
		HeartbeatTimeoutMS:  300_000,
		MessageTTLSec:       86400,
		MaxMessageSizeKB:    1024,
		MaxMessagesPerAgent: 10_000,
		MaxGroupMembers:     500,
		CleanupIntervalMS:   60_000,
		APIKeyRequired:      false,
		CORSOrigin:          "*",
	}
}

func applyOverlay(cfg *Config, ov overlay) {
	if ov == nil {
		return
	}
	if v, ok := ov["port"].(string); ok {
		cfg.Port = v
	}
	if v, ok := ov["storage_backend"].(string); ok {
		cfg.StorageBackend = StorageBackend(v)
	}
	if v, ok := ov["remote_driver"].(string); ok {
		cfg.RemoteDriver = RemoteDriver(v)
	}
	if v, ok := ov["remote_dsn"].(string); ok {
		cfg.RemoteDSN = v
	}
	if v, ok := ov["cors_origin"].(string); ok {
		cfg.CORSOrigin = v
	}
}

func applyEnv(cfg *Config) {
	str(&cfg.Port, "PORT")
	str(&cfg.NodeEnv, "NODE_ENV")
	strBackend(&cfg.StorageBackend, "STORAGE_BACKEND")
	strDriver(&cfg.RemoteDriver, "REMOTE_DRIVER")
	str(&cfg.RemoteDSN, "REMOTE_DSN")
	i64(&cfg.HeartbeatIntervalMS, "HEARTBEAT_INTERVAL_MS")
	i64(&cfg.HeartbeatTimeoutMS, "HEARTBEAT_TIMEOUT_MS")
	i64(&cfg.MessageTTLSec, "MESSAGE_TTL_SEC")
	i64(&cfg.MaxMessageSizeKB, "MAX_MESSAGE_SIZE_KB")
	i64(&cfg.MaxMessagesPerAgent, "MAX_MESSAGES_PER_AGENT")
	i64(&cfg.MaxGroupMembers, "MAX_GROUP_MEMBERS")
	i64(&cfg.CleanupIntervalMS, "CLEANUP_INTERVAL_MS")
	boolv(&cfg.APIKeyRequired, "API_KEY_REQUIRED")
	str(&cfg.MasterAPIKey, "MASTER_API_KEY")
	str(&cfg.CORSOrigin, "CORS_ORIGIN")
	str(&cfg.RedisAddr, "REDIS_ADDR")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func strBackend(dst *StorageBackend, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = StorageBackend(strings.ToLower(v))
	}
}

func strDriver(dst *RemoteDriver, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = RemoteDriver(strings.ToLower(v))
	}
}

func i64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolv(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}
