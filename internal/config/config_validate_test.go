// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Server.InstanceID = "node-1"
	cfg.Security.JWTSecret = testJWTSecret
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "HTTP_PORT"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "HTTP_PORT"},
		{"bad instance id", func(c *Config) { c.Server.InstanceID = "node.1" }, "INSTANCE_ID"},
		{"zero ring", func(c *Config) { c.Realtime.RingCapacity = 0 }, "RING_CAPACITY"},
		{"huge ring", func(c *Config) { c.Realtime.RingCapacity = 2_000_000 }, "RING_CAPACITY"},
		{"negative timeout", func(c *Config) { c.Realtime.ConnectionTimeout = -time.Second }, "CONNECTION_TIMEOUT"},
		{"timeout disabled", func(c *Config) { c.Realtime.ConnectionTimeout = 0 }, ""},
		{"tiny cleanup", func(c *Config) { c.Realtime.CleanupInterval = time.Millisecond }, "CLEANUP_INTERVAL"},
		{"blank ping", func(c *Config) { c.Realtime.PingEventName = " " }, "PING_EVENT_NAME"},
		{"small frame", func(c *Config) { c.Transport.MaxFrameSize = 10 }, "STOMP_MAX_FRAME"},
		{"zero inbound rate", func(c *Config) { c.Transport.InboundRate = 0 }, "STOMP_INBOUND_RATE"},
		{"zero connect limit", func(c *Config) { c.Transport.ConnectRateLimit = 0 }, "CONNECT_RATE_LIMIT"},
		{"connect limit ignored when disabled", func(c *Config) {
			c.Transport.ConnectRateLimit = 0
			c.Security.RateLimitDisabled = true
		}, ""},
		{"connect window too long", func(c *Config) { c.Transport.ConnectRateWindow = 2 * time.Hour }, "CONNECT_RATE_WINDOW"},
		{"embedded without store", func(c *Config) { c.NATS.StoreDir = "" }, "NATS_STORE_DIR"},
		{"external without url", func(c *Config) {
			c.NATS.EmbeddedServer = false
			c.NATS.URL = ""
		}, "NATS_URL"},
		{"no stream name", func(c *Config) { c.NATS.StreamName = "" }, "NATS_STREAM_NAME"},
		{"zero subscribers", func(c *Config) { c.NATS.SubscribersCount = 0 }, "NATS_SUBSCRIBERS"},
		{"zero dedup capacity", func(c *Config) { c.NATS.DedupCapacity = 0 }, "NATS_DEDUP"},
		{"nats disabled skips nats checks", func(c *Config) {
			c.NATS.Enabled = false
			c.NATS.StreamName = ""
			c.Presence.Backend = "memory"
		}, ""},
		{"unknown presence backend", func(c *Config) { c.Presence.Backend = "redis" }, "PRESENCE_BACKEND"},
		{"nats presence without nats", func(c *Config) { c.NATS.Enabled = false }, "NATS_ENABLED"},
		{"badger presence without path", func(c *Config) {
			c.Presence.Backend = "badger"
			c.Presence.BadgerPath = ""
		}, "PRESENCE_BADGER_PATH"},
		{"zero workers", func(c *Config) { c.Executor.Workers = 0 }, "EXECUTOR_WORKERS"},
		{"mail without host", func(c *Config) {
			c.Mail.Enabled = true
			c.Mail.From = "noreply@mail.test"
		}, "SMTP_HOST"},
		{"mail bad from", func(c *Config) {
			c.Mail.Enabled = true
			c.Mail.Host = "smtp.test"
			c.Mail.From = "noreply"
		}, "SMTP_FROM"},
		{"mail user without password", func(c *Config) {
			c.Mail.Enabled = true
			c.Mail.Host = "smtp.test"
			c.Mail.From = "noreply@mail.test"
			c.Mail.Username = "user"
		}, "SMTP_PASSWORD"},
		{"mail ok", func(c *Config) {
			c.Mail.Enabled = true
			c.Mail.Host = "smtp.test"
			c.Mail.From = "noreply@mail.test"
		}, ""},
		{"no secret", func(c *Config) { c.Security.JWTSecret = "" }, "JWT_SECRET"},
		{"short secret", func(c *Config) { c.Security.JWTSecret = "short" }, "JWT_SECRET"},
		{"placeholder secret", func(c *Config) {
			c.Security.JWTSecret = "CHANGEME-CHANGEME-CHANGEME-CHANGEME"
		}, "placeholder"},
		{"wildcard cors in development", func(c *Config) { c.Security.CORSOrigins = []string{"*"} }, ""},
		{"wildcard cors in production", func(c *Config) {
			c.Security.CORSOrigins = []string{"*"}
			c.Server.Environment = "production"
		}, "CORS_ORIGINS"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "LOG_FORMAT"},
		{"log file without size", func(c *Config) {
			c.Logging.FilePath = "/var/log/fanout.log"
			c.Logging.MaxSizeMB = 0
		}, "LOG_MAX_SIZE_MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestShouldWarnAboutCORS(t *testing.T) {
	cfg := validConfig()
	if cfg.ShouldWarnAboutCORS() {
		t.Error("no warning expected without wildcard")
	}
	cfg.Security.CORSOrigins = []string{"https://app.test", "*"}
	if !cfg.ShouldWarnAboutCORS() {
		t.Error("warning expected for wildcard")
	}
}

func TestOptionConversions(t *testing.T) {
	cfg := validConfig()
	cfg.Security.CORSOrigins = []string{"https://app.test"}
	cfg.Logging.FilePath = "/var/log/fanout.log"

	tc := cfg.TransportOptions()
	if tc.ConnectionTimeout != cfg.Realtime.ConnectionTimeout || tc.InboundBurst != cfg.Transport.InboundBurst {
		t.Errorf("TransportOptions() = %+v", tc)
	}
	if len(tc.AllowedOrigins) != 1 || tc.AllowedOrigins[0] != "https://app.test" {
		t.Errorf("AllowedOrigins = %v", tc.AllowedOrigins)
	}

	rc := cfg.RelayOptions("")
	if rc.URL != cfg.NATS.URL || rc.InstanceID != "node-1" {
		t.Errorf("RelayOptions() = %+v", rc)
	}
	if err := rc.Validate(); err != nil {
		t.Errorf("RelayOptions() should validate: %v", err)
	}
	if got := cfg.RelayOptions("nats://127.0.0.1:4333").URL; got != "nats://127.0.0.1:4333" {
		t.Errorf("embedded url override = %q", got)
	}
	if rc.Durable() != "fanout-node-1" {
		t.Errorf("Durable() = %q", rc.Durable())
	}

	lc := cfg.LoggingOptions()
	if lc.File.Path != "/var/log/fanout.log" || lc.File.MaxSizeMB != cfg.Logging.MaxSizeMB {
		t.Errorf("LoggingOptions().File = %+v", lc.File)
	}

	if ec := cfg.ExecutorOptions(); ec.Workers != cfg.Executor.Workers {
		t.Errorf("ExecutorOptions() = %+v", ec)
	}
	if bc := cfg.BrokerOptions(); bc.Port != -1 || bc.StoreDir != cfg.NATS.StoreDir {
		t.Errorf("BrokerOptions() = %+v", bc)
	}
	if sc := cfg.SMTPOptions(); sc.Port != 587 {
		t.Errorf("SMTPOptions() = %+v", sc)
	}
	if mr := cfg.MailRetryOptions(); mr.MaxRetries != 3 {
		t.Errorf("MailRetryOptions() = %+v", mr)
	}
	if got := cfg.Server.Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", got)
	}
}
