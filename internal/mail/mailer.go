// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// ErrInvalidMessage is returned for a message without a recipient.
var ErrInvalidMessage = errors.New("mail message requires a recipient")

// RetryConfig bounds redelivery of transient failures.
type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Mailer wraps a Sender with retry and schedules deliveries on an executor.
type Mailer struct {
	sender    Sender
	scheduler executor.Scheduler
	retry     RetryConfig
}

// NewMailer creates a mailer.
func NewMailer(sender Sender, scheduler executor.Scheduler, retry RetryConfig) *Mailer {
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	return &Mailer{sender: sender, scheduler: scheduler, retry: retry}
}

// Schedule queues msg for delivery and returns without waiting for it.
func (m *Mailer) Schedule(msg Message) error {
	if msg.To == "" {
		return ErrInvalidMessage
	}
	return m.scheduler.Submit("mail", func(ctx context.Context) error {
		return m.Deliver(ctx, msg)
	})
}

// Deliver sends msg, retrying transient failures up to MaxRetries times.
// Permanent failures return immediately.
func (m *Mailer) Deliver(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrInvalidMessage
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retry.BaseDelay
	b.MaxInterval = m.retry.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.retry.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := m.sender.Send(ctx, msg)
		switch {
		case err == nil:
			metrics.RecordMailAttempt("sent")
			return nil
		case IsPermanent(err):
			metrics.RecordMailAttempt("rejected")
			return backoff.Permanent(err)
		default:
			metrics.RecordMailAttempt("failed")
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).
			Str("notification_id", msg.ID).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("mail delivery failed, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		logging.Error().Err(err).Str("notification_id", msg.ID).Int("attempts", attempt).Msg("mail delivery abandoned")
		return fmt.Errorf("deliver mail after %d attempts: %w", attempt, err)
	}
	return nil
}
