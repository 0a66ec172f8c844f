// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateRealtime,
		c.validateTransport,
		c.validateNATS,
		c.validatePresence,
		c.validateExecutor,
		c.validateMail,
		c.validateSecurity,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.InstanceID != sanitizeInstanceID(c.Server.InstanceID) {
		return fmt.Errorf("INSTANCE_ID may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// Ring capacity bounds
const (
	minRingCapacity = 1
	maxRingCapacity = 1_000_000
)

func (c *Config) validateRealtime() error {
	r := c.Realtime
	if r.RingCapacity < minRingCapacity || r.RingCapacity > maxRingCapacity {
		return fmt.Errorf("RING_CAPACITY must be between %d and %d", minRingCapacity, maxRingCapacity)
	}
	if r.ConnectionTimeout < 0 {
		return fmt.Errorf("CONNECTION_TIMEOUT must not be negative")
	}
	if r.CleanupInterval < time.Second {
		return fmt.Errorf("CLEANUP_INTERVAL must be at least 1s")
	}
	if strings.TrimSpace(r.PingEventName) == "" {
		return fmt.Errorf("PING_EVENT_NAME must not be blank")
	}
	return nil
}

// Rate limit constants
const (
	minRateLimitRequests = 1
	maxRateLimitRequests = 100000
	minRateLimitWindow   = time.Second
	maxRateLimitWindow   = time.Hour
)

func (c *Config) validateTransport() error {
	t := c.Transport
	if t.WriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be positive")
	}
	if t.PongWait < time.Second {
		return fmt.Errorf("WS_PONG_WAIT must be at least 1s")
	}
	if t.MaxFrameSize < 1024 {
		return fmt.Errorf("STOMP_MAX_FRAME must be at least 1024 bytes")
	}
	if t.InboundRate <= 0 || t.InboundBurst < 1 {
		return fmt.Errorf("STOMP_INBOUND_RATE and STOMP_INBOUND_BURST must be positive")
	}
	if c.Security.RateLimitDisabled {
		return nil
	}
	if t.ConnectRateLimit < minRateLimitRequests || t.ConnectRateLimit > maxRateLimitRequests {
		return fmt.Errorf("CONNECT_RATE_LIMIT must be between %d and %d", minRateLimitRequests, maxRateLimitRequests)
	}
	if t.ConnectRateWindow < minRateLimitWindow || t.ConnectRateWindow > maxRateLimitWindow {
		return fmt.Errorf("CONNECT_RATE_WINDOW must be between %v and %v", minRateLimitWindow, maxRateLimitWindow)
	}
	return nil
}

// validateNATS validates the relay (only if enabled)
func (c *Config) validateNATS() error {
	n := c.NATS
	if !n.Enabled {
		return nil
	}
	if n.EmbeddedServer {
		if n.StoreDir == "" {
			return fmt.Errorf("NATS_STORE_DIR is required when NATS_EMBEDDED=true")
		}
		if n.MaxMemory <= 0 || n.MaxStore <= 0 {
			return fmt.Errorf("NATS_MAX_MEMORY and NATS_MAX_STORE must be positive")
		}
	} else if n.URL == "" {
		return fmt.Errorf("NATS_URL is required when NATS_EMBEDDED=false")
	}
	if n.StreamName == "" || n.DurableName == "" {
		return fmt.Errorf("NATS_STREAM_NAME and NATS_DURABLE_NAME are required")
	}
	if n.SubscribersCount < 1 || n.SubscribersCount > 64 {
		return fmt.Errorf("NATS_SUBSCRIBERS must be between 1 and 64")
	}
	if n.MaxDeliver < 1 {
		return fmt.Errorf("NATS_MAX_DELIVER must be at least 1")
	}
	if n.AckWait <= 0 || n.CloseTimeout <= 0 {
		return fmt.Errorf("NATS_ACK_WAIT and NATS_CLOSE_TIMEOUT must be positive")
	}
	if n.DedupTTL <= 0 || n.DedupCapacity < 1 {
		return fmt.Errorf("NATS_DEDUP_TTL and NATS_DEDUP_CAPACITY must be positive")
	}
	if n.BreakerFailureThreshold < 1 {
		return fmt.Errorf("NATS_BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	return nil
}

// validPresenceBackends defines the allowed presence backends
var validPresenceBackends = map[string]bool{
	"nats":   true,
	"badger": true,
	"memory": true,
}

func (c *Config) validatePresence() error {
	p := c.Presence
	if !validPresenceBackends[p.Backend] {
		return fmt.Errorf("PRESENCE_BACKEND must be one of: nats, badger, memory")
	}
	switch p.Backend {
	case "nats":
		if !c.NATS.Enabled {
			return fmt.Errorf("PRESENCE_BACKEND=nats requires NATS_ENABLED=true")
		}
		if p.Bucket == "" {
			return fmt.Errorf("PRESENCE_BUCKET is required when PRESENCE_BACKEND=nats")
		}
	case "badger":
		if p.BadgerPath == "" {
			return fmt.Errorf("PRESENCE_BADGER_PATH is required when PRESENCE_BACKEND=badger")
		}
	}
	return nil
}

func (c *Config) validateExecutor() error {
	if c.Executor.Workers < 1 || c.Executor.QueueSize < 1 {
		return fmt.Errorf("EXECUTOR_WORKERS and EXECUTOR_QUEUE_SIZE must be at least 1")
	}
	return nil
}

// validateMail validates the mail relay (only if enabled)
func (c *Config) validateMail() error {
	m := c.Mail
	if !m.Enabled {
		return nil
	}
	if m.Host == "" {
		return fmt.Errorf("SMTP_HOST is required when MAIL_ENABLED=true")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("SMTP_PORT must be between 1 and 65535")
	}
	if m.From == "" || !strings.Contains(m.From, "@") {
		return fmt.Errorf("SMTP_FROM must be an email address")
	}
	if m.Username != "" && m.Password == "" {
		return fmt.Errorf("SMTP_PASSWORD is required when SMTP_USERNAME is set")
	}
	return nil
}

// validateSecurity validates security configuration. Every stream is
// authenticated, so the JWT secret is always required.
func (c *Config) validateSecurity() error {
	if err := c.validateJWTSecret(); err != nil {
		return err
	}
	return c.validateCORS()
}

func (c *Config) validateJWTSecret() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters for security")
	}
	if containsPlaceholder(c.Security.JWTSecret) {
		return fmt.Errorf("JWT_SECRET contains a placeholder value - generate a secure secret with: openssl rand -base64 32")
	}
	return nil
}

// validateCORS rejects wildcard origins in production, where any site could
// otherwise open streams with a user's token.
func (c *Config) validateCORS() error {
	if c.hasWildcardCORS() && c.IsProduction() {
		return fmt.Errorf("CORS_ORIGINS=* (wildcard) is not allowed in production. " +
			"Set specific origins: CORS_ORIGINS=https://yourdomain.com,https://app.yourdomain.com " +
			"or use ENVIRONMENT=development for testing purposes")
	}
	return nil
}

// hasWildcardCORS checks if CORS is configured with wildcard origins
func (c *Config) hasWildcardCORS() bool {
	for _, origin := range c.Security.CORSOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// ShouldWarnAboutCORS reports a wildcard CORS setting worth a startup
// warning.
func (c *Config) ShouldWarnAboutCORS() bool {
	return c.hasWildcardCORS()
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Server.Environment)
	return env == "production" || env == "prod"
}

// validLogLevels defines the allowed log levels
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats defines the allowed log formats
var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

func (c *Config) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error")
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	if c.Logging.FilePath != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("LOG_MAX_SIZE_MB must be at least 1 when LOG_FILE is set")
	}
	return nil
}

// placeholderPatterns defines common placeholder patterns that indicate
// the user forgot to set a real value.
var placeholderPatterns = []string{
	"REPLACE",
	"CHANGEME",
	"CHANGE_ME",
	"YOUR_SECRET",
	"PLACEHOLDER",
	"EXAMPLE",
}

// containsPlaceholder checks if a value contains common placeholder patterns
func containsPlaceholder(value string) bool {
	upperValue := strings.ToUpper(value)
	for _, pattern := range placeholderPatterns {
		if strings.Contains(upperValue, pattern) {
			return true
		}
	}
	return false
}
