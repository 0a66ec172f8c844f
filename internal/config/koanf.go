// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fanout/config.yaml",
	"/etc/fanout/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every default applied.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			Environment:       "development",
		},
		Realtime: RealtimeConfig{
			ConnectionTimeout: 5 * time.Minute,
			RingCapacity:      100,
			CleanupInterval:   5 * time.Minute,
			PingEventName:     "ping",
		},
		Transport: TransportConfig{
			WriteTimeout:      10 * time.Second,
			PongWait:          60 * time.Second,
			MaxFrameSize:      64 * 1024,
			InboundRate:       20,
			InboundBurst:      40,
			ConnectRateLimit:  30,
			ConnectRateWindow: time.Minute,
		},
		NATS: NATSConfig{
			Enabled:                 true,
			URL:                     "nats://127.0.0.1:4222",
			EmbeddedServer:          true,
			StoreDir:                "/data/nats/jetstream",
			MaxMemory:               256 << 20, // 256MB
			MaxStore:                1 << 30,   // 1GB
			StreamName:              "PLATFORM",
			DurableName:             "fanout",
			SubscribersCount:        1,
			AckWait:                 30 * time.Second,
			CloseTimeout:            30 * time.Second,
			MaxDeliver:              5,
			DuplicateWindow:         2 * time.Minute,
			RetentionMaxAge:         24 * time.Hour,
			DedupTTL:                5 * time.Minute,
			DedupCapacity:           10000,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Presence: PresenceConfig{
			Backend:    "nats",
			Bucket:     "presence",
			BadgerPath: "/data/presence",
		},
		Executor: ExecutorConfig{
			Workers:      4,
			QueueSize:    1024,
			TaskTimeout:  30 * time.Second,
			DrainTimeout: 10 * time.Second,
		},
		Mail: MailConfig{
			Enabled:    false,
			Port:       587,
			FromName:   "Notifications",
			UseTLS:     true,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Security: SecurityConfig{
			JWTIssuer:   "",
			CORSOrigins: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Caller:     false,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any mapped setting
//
// Precedence is ENV > File > Defaults. The result is validated.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = defaultInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// defaultInstanceID uses the hostname, which is stable per pod.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return sanitizeInstanceID(host)
}

// sanitizeInstanceID keeps characters that are valid in a JetStream
// consumer name.
func sanitizeInstanceID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// Env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice when it came from YAML or the defaults.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored so unrelated environment does not leak in.
var envMappings = map[string]string{
	// Server
	"http_host":                "server.host",
	"http_port":                "server.port",
	"http_read_header_timeout": "server.read_header_timeout",
	"http_idle_timeout":        "server.idle_timeout",
	"shutdown_timeout":         "server.shutdown_timeout",
	"instance_id":              "server.instance_id",
	"environment":              "server.environment",

	// Realtime
	"connection_timeout": "realtime.connection_timeout",
	"ring_capacity":      "realtime.ring_capacity",
	"cleanup_interval":   "realtime.cleanup_interval",
	"ping_event_name":    "realtime.ping_event_name",

	// Transport
	"ws_write_timeout":    "transport.write_timeout",
	"ws_pong_wait":        "transport.pong_wait",
	"stomp_max_frame":     "transport.max_frame_size",
	"stomp_inbound_rate":  "transport.inbound_rate",
	"stomp_inbound_burst": "transport.inbound_burst",
	"connect_rate_limit":  "transport.connect_rate_limit",
	"connect_rate_window": "transport.connect_rate_window",

	// NATS
	"nats_enabled":                   "nats.enabled",
	"nats_url":                       "nats.url",
	"nats_embedded":                  "nats.embedded_server",
	"nats_store_dir":                 "nats.store_dir",
	"nats_max_memory":                "nats.max_memory",
	"nats_max_store":                 "nats.max_store",
	"nats_stream_name":               "nats.stream_name",
	"nats_durable_name":              "nats.durable_name",
	"nats_subscribers":               "nats.subscribers_count",
	"nats_ack_wait":                  "nats.ack_wait",
	"nats_close_timeout":             "nats.close_timeout",
	"nats_max_deliver":               "nats.max_deliver",
	"nats_duplicate_window":          "nats.duplicate_window",
	"nats_retention_max_age":         "nats.retention_max_age",
	"nats_dedup_ttl":                 "nats.dedup_ttl",
	"nats_dedup_capacity":            "nats.dedup_capacity",
	"nats_breaker_failure_threshold": "nats.breaker_failure_threshold",
	"nats_breaker_timeout":           "nats.breaker_timeout",

	// Presence
	"presence_backend":     "presence.backend",
	"presence_bucket":      "presence.bucket",
	"presence_badger_path": "presence.badger_path",

	// Executor
	"executor_workers":       "executor.workers",
	"executor_queue_size":    "executor.queue_size",
	"executor_task_timeout":  "executor.task_timeout",
	"executor_drain_timeout": "executor.drain_timeout",

	// Mail
	"mail_enabled":     "mail.enabled",
	"smtp_host":        "mail.host",
	"smtp_port":        "mail.port",
	"smtp_from":        "mail.from",
	"smtp_from_name":   "mail.from_name",
	"smtp_username":    "mail.username",
	"smtp_password":    "mail.password",
	"smtp_use_tls":     "mail.use_tls",
	"smtp_timeout":     "mail.timeout",
	"mail_max_retries": "mail.max_retries",
	"mail_base_delay":  "mail.base_delay",
	"mail_max_delay":   "mail.max_delay",

	// Security
	"jwt_secret":         "security.jwt_secret",
	"jwt_issuer":         "security.jwt_issuer",
	"cors_origins":       "security.cors_origins",
	"disable_rate_limit": "security.rate_limit_disabled",

	// Logging
	"log_level":       "logging.level",
	"log_format":      "logging.format",
	"log_caller":      "logging.caller",
	"log_file":        "logging.file_path",
	"log_max_size_mb": "logging.max_size_mb",
	"log_max_backups": "logging.max_backups",
	"log_max_age":     "logging.max_age_days",
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - RING_CAPACITY -> realtime.ring_capacity
//   - NATS_URL -> nats.url
//   - PRESENCE_BACKEND -> presence.backend
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile calls callback whenever the file at path changes. The
// caller reloads with LoadWithKoanf and guards the swap itself.
func WatchConfigFile(path string, callback func()) error {
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}

// ConfigFilePath returns the config file LoadWithKoanf reads, or "" when
// configuration comes from defaults and environment only.
func ConfigFilePath() string {
	return findConfigFile()
}
