// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"errors"
	"time"
)

// Config holds the broker-facing settings of the relay.
type Config struct {
	// URL is the NATS server connection URL.
	URL string

	// StreamName is the JetStream stream holding every relay subject.
	StreamName string

	// DurableName is combined with InstanceID into a per-instance durable
	// consumer, so every instance receives every message.
	DurableName string
	InstanceID  string

	SubscribersCount int
	AckWaitTimeout   time.Duration
	CloseTimeout     time.Duration
	MaxDeliver       int
	MaxAckPending    int

	// DuplicateWindow is the broker-side Nats-Msg-Id dedup window.
	DuplicateWindow time.Duration

	// DedupTTL and DedupCapacity size the consumer-side redelivery filter.
	DedupTTL      time.Duration
	DedupCapacity int

	// Stream limits.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	Breaker BreakerConfig
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "nats://127.0.0.1:4222",
		StreamName:       "PLATFORM",
		DurableName:      "fanout",
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1000,
		DuplicateWindow:  2 * time.Minute,
		DedupTTL:         5 * time.Minute,
		DedupCapacity:    10000,
		MaxAge:           24 * time.Hour,
		MaxBytes:         1 << 30,
		MaxMsgs:          -1,
		Breaker: BreakerConfig{
			Name:             "relay-publisher",
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("relay: URL is required")
	}
	if c.StreamName == "" {
		return errors.New("relay: stream name is required")
	}
	if c.DurableName == "" {
		return errors.New("relay: durable name is required")
	}
	if c.InstanceID == "" {
		return errors.New("relay: instance id is required")
	}
	if c.SubscribersCount < 1 {
		return errors.New("relay: subscribers count must be at least 1")
	}
	return nil
}

// Durable returns the per-instance durable consumer name.
func (c *Config) Durable() string {
	return c.DurableName + "-" + c.InstanceID
}
