// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/fanout/internal/logging"
)

// RelayRunner matches *relay.Consumer's lifecycle.
type RelayRunner interface {
	Run(ctx context.Context) error
	Close() error
}

// RelayFactory builds a fresh consumer. A watermill router cannot be run
// again once closed, so every restart gets a new one.
type RelayFactory func() (RelayRunner, error)

// RelayConsumerService supervises the inbound relay.
//
// Each Serve builds a consumer, runs it until ctx is canceled or the router
// stops, then closes it. A router that stops on its own is reported as a
// failure so suture restarts it with backoff.
type RelayConsumerService struct {
	factory RelayFactory
	name    string
}

// NewRelayConsumerService creates the service.
func NewRelayConsumerService(factory RelayFactory) *RelayConsumerService {
	return &RelayConsumerService{
		factory: factory,
		name:    "relay-consumer",
	}
}

// ErrRelayStopped is returned when the router exits while ctx is live.
var ErrRelayStopped = errors.New("relay consumer stopped unexpectedly")

// Serve implements suture.Service.
func (s *RelayConsumerService) Serve(ctx context.Context) error {
	consumer, err := s.factory()
	if err != nil {
		return fmt.Errorf("relay consumer start failed: %w", err)
	}

	runErr := consumer.Run(ctx)
	if err := consumer.Close(); err != nil {
		logging.Warn().Err(err).Msg("relay consumer close failed")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runErr != nil {
		return fmt.Errorf("relay consumer failed: %w", runErr)
	}
	return ErrRelayStopped
}

// String implements fmt.Stringer for logging.
func (s *RelayConsumerService) String() string {
	return s.name
}
