// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/fanout/internal/api"
	"github.com/tomtom215/fanout/internal/cache"
	"github.com/tomtom215/fanout/internal/config"
	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func TestNewPresenceStore(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"badger", "badger", false},
		{"nats without relay", "nats", true},
		{"unknown backend", "redis", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Presence.Backend = tt.backend
			cfg.Presence.BadgerPath = filepath.Join(t.TempDir(), "presence")

			store, err := NewPresenceStore(context.Background(), cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPresenceStore() error = %v", err)
			}
			defer store.Close()

			added, err := store.AddMember(context.Background(), "room-1", "alice")
			if err != nil || !added {
				t.Errorf("AddMember() = %v, %v; want true, nil", added, err)
			}
		})
	}
}

func TestInitRelay_Disabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.NATS.Enabled = false

	rc, err := InitRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitRelay() error = %v", err)
	}
	if rc != nil {
		t.Error("expected nil components when NATS is disabled")
	}
}

func TestNewMailScheduler(t *testing.T) {
	cfg := &config.Config{}
	if got := NewMailScheduler(cfg, executor.Inline{}); got != nil {
		t.Errorf("disabled mail should return nil, got %T", got)
	}

	cfg.Mail.Enabled = true
	cfg.Mail.Host = "smtp.example.com"
	cfg.Mail.Port = 587
	cfg.Mail.From = "noreply@example.com"
	if got := NewMailScheduler(cfg, executor.Inline{}); got == nil {
		t.Error("enabled mail should return a scheduler")
	}
}

func TestMiddlewareConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORSOrigins = []string{"https://app.example.com"}
	cfg.Security.RateLimitDisabled = true

	mw := middlewareConfig(cfg)
	if len(mw.CORSAllowedOrigins) != 1 || mw.CORSAllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("CORSAllowedOrigins = %v", mw.CORSAllowedOrigins)
	}
	if !mw.RateLimitDisabled {
		t.Error("RateLimitDisabled should carry over")
	}
	if mw.StreamRateLimit != api.RateLimitStream {
		t.Errorf("StreamRateLimit = %+v, want default %+v", mw.StreamRateLimit, api.RateLimitStream)
	}

	cfg.Transport.ConnectRateLimit = 5
	cfg.Transport.ConnectRateWindow = 10 * time.Second
	mw = middlewareConfig(cfg)
	want := api.RateLimitConfig{Requests: 5, Window: 10 * time.Second}
	if mw.StreamRateLimit != want {
		t.Errorf("StreamRateLimit = %+v, want %+v", mw.StreamRateLimit, want)
	}
}

func TestSweepDedup(t *testing.T) {
	if got := (&RelayComponents{}).SweepDedup(context.Background()); got != 0 {
		t.Errorf("SweepDedup() without a cache = %d, want 0", got)
	}

	rc := &RelayComponents{dedup: cache.NewDedupCache(10, time.Millisecond)}
	rc.dedup.Mark("m-1")
	rc.dedup.Mark("m-2")
	time.Sleep(10 * time.Millisecond)

	if got := rc.SweepDedup(context.Background()); got != 2 {
		t.Errorf("SweepDedup() = %d, want 2", got)
	}
	if rc.dedup.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", rc.dedup.Len())
	}
}
