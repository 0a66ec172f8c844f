// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/fanout/internal/logging"
)

// JetStreamContext is the subset of jetstream.JetStream used by
// StreamInitializer.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamInitializer makes sure the relay stream exists before publishers
// and consumers start.
type StreamInitializer struct {
	js  JetStreamContext
	cfg Config
}

// NewStreamInitializer creates an initializer for cfg.StreamName.
func NewStreamInitializer(js JetStreamContext, cfg Config) (*StreamInitializer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	return &StreamInitializer{js: js, cfg: cfg}, nil
}

// StreamConfig returns the stream definition: every relay subject, file
// storage, oldest messages discarded first, and a Nats-Msg-Id duplicate
// window.
func (s *StreamInitializer) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        s.cfg.StreamName,
		Description: "Real-time delivery relay",
		Subjects:    []string{TopicAll},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.cfg.MaxAge,
		MaxBytes:    s.cfg.MaxBytes,
		MaxMsgs:     s.cfg.MaxMsgs,
		Duplicates:  s.cfg.DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}
}

// EnsureStream creates the stream, or updates it if it already exists.
// It is idempotent.
func (s *StreamInitializer) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := s.StreamConfig()

	_, err := s.js.Stream(ctx, streamCfg.Name)
	if err == nil {
		stream, err := s.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
		}
		logging.Info().Str("stream", streamCfg.Name).Msg("relay stream updated")
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := s.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", streamCfg.Name, err)
		}
		logging.Info().Str("stream", streamCfg.Name).Strs("subjects", streamCfg.Subjects).Msg("relay stream created")
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", streamCfg.Name, err)
}

// IsHealthy reports whether the stream can be queried.
func (s *StreamInitializer) IsHealthy(ctx context.Context) bool {
	_, err := s.js.Stream(ctx, s.cfg.StreamName)
	return err == nil
}
