// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package services

import (
	"context"
	"time"
)

// Sweeper matches *dispatch.Dispatcher's CleanUp.
type Sweeper interface {
	CleanUp(ctx context.Context) int
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func(ctx context.Context) int

// CleanUp implements Sweeper.
func (f SweeperFunc) CleanUp(ctx context.Context) int { return f(ctx) }

// CleanupService runs a sweep on a fixed interval.
type CleanupService struct {
	sweeper  Sweeper
	interval time.Duration
	name     string
}

// NewCleanupService creates the dead connection sweep. A non-positive
// interval uses five minutes.
func NewCleanupService(sweeper Sweeper, interval time.Duration) *CleanupService {
	return NewNamedCleanupService("connection-cleanup", sweeper, interval)
}

// NewNamedCleanupService creates a sweep reported to the supervisor as name.
func NewNamedCleanupService(name string, sweeper Sweeper, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CleanupService{
		sweeper:  sweeper,
		interval: interval,
		name:     name,
	}
}

// Serve implements suture.Service. The first sweep runs one interval after
// start.
func (s *CleanupService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweeper.CleanUp(ctx)
		}
	}
}

// String implements fmt.Stringer for logging.
func (s *CleanupService) String() string {
	return s.name
}
