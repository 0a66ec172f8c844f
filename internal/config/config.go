// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package config

import (
	"fmt"
	"time"

	"github.com/tomtom215/fanout/internal/broker"
	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/mail"
	"github.com/tomtom215/fanout/internal/relay"
	"github.com/tomtom215/fanout/internal/transport"
)

// Config holds all application configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in defaults for every setting
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any mapped setting
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Realtime  RealtimeConfig  `koanf:"realtime"`
	Transport TransportConfig `koanf:"transport"`
	NATS      NATSConfig      `koanf:"nats"`
	Presence  PresenceConfig  `koanf:"presence"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Mail      MailConfig      `koanf:"mail"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// ReadHeaderTimeout bounds request headers. There is no write timeout
	// on the server itself since event streams are long-lived.
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`

	// InstanceID names this instance on the relay. Defaults to the
	// hostname.
	InstanceID string `koanf:"instance_id"`

	// Environment is "development" or "production"; production enables
	// stricter security validation.
	Environment string `koanf:"environment"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RealtimeConfig holds dispatcher settings.
type RealtimeConfig struct {
	// ConnectionTimeout is how long a stream stays open before the client
	// has to reconnect with its cursor.
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`

	// RingCapacity is the number of recent events kept for replay.
	RingCapacity int `koanf:"ring_capacity"`

	// CleanupInterval is how often dead connections are swept.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// PingEventName names the liveness event sent on connect.
	PingEventName string `koanf:"ping_event_name"`
}

// TransportConfig holds per-connection limits.
type TransportConfig struct {
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PongWait     time.Duration `koanf:"pong_wait"`
	MaxFrameSize int64         `koanf:"max_frame_size"`
	InboundRate  float64       `koanf:"inbound_rate"`
	InboundBurst int           `koanf:"inbound_burst"`

	// ConnectRateLimit bounds new streaming connections per client IP and
	// ConnectRateWindow.
	ConnectRateLimit  int           `koanf:"connect_rate_limit"`
	ConnectRateWindow time.Duration `koanf:"connect_rate_window"`
}

// NATSConfig holds broker and relay settings.
type NATSConfig struct {
	// Enabled turns on the relay. When disabled the instance delivers only
	// what is produced locally.
	Enabled bool `koanf:"enabled"`

	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName       string        `koanf:"stream_name"`
	DurableName      string        `koanf:"durable_name"`
	SubscribersCount int           `koanf:"subscribers_count"`
	AckWait          time.Duration `koanf:"ack_wait"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
	MaxDeliver       int           `koanf:"max_deliver"`
	DuplicateWindow  time.Duration `koanf:"duplicate_window"`
	RetentionMaxAge  time.Duration `koanf:"retention_max_age"`
	DedupTTL         time.Duration `koanf:"dedup_ttl"`
	DedupCapacity    int           `koanf:"dedup_capacity"`

	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// PresenceConfig selects the presence backend.
type PresenceConfig struct {
	// Backend is "nats" (JetStream KV, shared by all instances), "badger"
	// (single instance, persistent) or "memory" (single instance).
	Backend    string `koanf:"backend"`
	Bucket     string `koanf:"bucket"`
	BadgerPath string `koanf:"badger_path"`
}

// ExecutorConfig sizes the after-commit task pool.
type ExecutorConfig struct {
	Workers      int           `koanf:"workers"`
	QueueSize    int           `koanf:"queue_size"`
	TaskTimeout  time.Duration `koanf:"task_timeout"`
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// MailConfig holds the notification mail relay.
type MailConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	From       string        `koanf:"from"`
	FromName   string        `koanf:"from_name"`
	Username   string        `koanf:"username"`
	Password   string        `koanf:"password"`
	UseTLS     bool          `koanf:"use_tls"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries uint64        `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// SecurityConfig holds authentication and CORS settings.
type SecurityConfig struct {
	JWTSecret         string   `koanf:"jwt_secret"`
	JWTIssuer         string   `koanf:"jwt_issuer"`
	CORSOrigins       []string `koanf:"cors_origins"`
	RateLimitDisabled bool     `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Caller     bool   `koanf:"caller"`
	FilePath   string `koanf:"file_path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// LoggingOptions converts the logging section.
func (c *Config) LoggingOptions() logging.Config {
	out := logging.DefaultConfig()
	out.Level = c.Logging.Level
	out.Format = c.Logging.Format
	out.Caller = c.Logging.Caller
	if c.Logging.FilePath != "" {
		out.File = logging.FileConfig{
			Path:       c.Logging.FilePath,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			MaxAgeDays: c.Logging.MaxAgeDays,
			Compress:   true,
		}
	}
	return out
}

// TransportOptions converts the transport and realtime sections.
func (c *Config) TransportOptions() transport.Config {
	return transport.Config{
		ConnectionTimeout: c.Realtime.ConnectionTimeout,
		WriteTimeout:      c.Transport.WriteTimeout,
		PongWait:          c.Transport.PongWait,
		MaxFrameSize:      c.Transport.MaxFrameSize,
		InboundRate:       c.Transport.InboundRate,
		InboundBurst:      c.Transport.InboundBurst,
		AllowedOrigins:    c.Security.CORSOrigins,
	}
}

// RelayOptions converts the NATS section. url overrides the configured URL
// when an embedded server is running.
func (c *Config) RelayOptions(url string) relay.Config {
	out := relay.DefaultConfig()
	out.URL = c.NATS.URL
	if url != "" {
		out.URL = url
	}
	out.StreamName = c.NATS.StreamName
	out.DurableName = c.NATS.DurableName
	out.InstanceID = c.Server.InstanceID
	out.SubscribersCount = c.NATS.SubscribersCount
	out.AckWaitTimeout = c.NATS.AckWait
	out.CloseTimeout = c.NATS.CloseTimeout
	out.MaxDeliver = c.NATS.MaxDeliver
	out.DuplicateWindow = c.NATS.DuplicateWindow
	out.MaxAge = c.NATS.RetentionMaxAge
	out.DedupTTL = c.NATS.DedupTTL
	out.DedupCapacity = c.NATS.DedupCapacity
	out.Breaker.FailureThreshold = c.NATS.BreakerFailureThreshold
	out.Breaker.Timeout = c.NATS.BreakerTimeout
	return out
}

// BrokerOptions converts the embedded server settings.
func (c *Config) BrokerOptions() broker.ServerConfig {
	return broker.ServerConfig{
		Host:              "127.0.0.1",
		Port:              -1,
		StoreDir:          c.NATS.StoreDir,
		JetStreamMaxMem:   c.NATS.MaxMemory,
		JetStreamMaxStore: c.NATS.MaxStore,
	}
}

// ExecutorOptions converts the executor section.
func (c *Config) ExecutorOptions() executor.Config {
	return executor.Config{
		Workers:      c.Executor.Workers,
		QueueSize:    c.Executor.QueueSize,
		TaskTimeout:  c.Executor.TaskTimeout,
		DrainTimeout: c.Executor.DrainTimeout,
	}
}

// SMTPOptions converts the mail relay settings.
func (c *Config) SMTPOptions() mail.SMTPConfig {
	return mail.SMTPConfig{
		Host:     c.Mail.Host,
		Port:     c.Mail.Port,
		From:     c.Mail.From,
		FromName: c.Mail.FromName,
		Username: c.Mail.Username,
		Password: c.Mail.Password,
		UseTLS:   c.Mail.UseTLS,
		Timeout:  c.Mail.Timeout,
	}
}

// MailRetryOptions converts the mail retry settings.
func (c *Config) MailRetryOptions() mail.RetryConfig {
	return mail.RetryConfig{
		MaxRetries: c.Mail.MaxRetries,
		BaseDelay:  c.Mail.BaseDelay,
		MaxDelay:   c.Mail.MaxDelay,
	}
}
