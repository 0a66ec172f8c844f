// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package services

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/fanout/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

// fakeRelay blocks until ctx is done unless runErr or stopAfter is set.
type fakeRelay struct {
	runErr    error
	stopAfter time.Duration
	closed    atomic.Int32
}

func (f *fakeRelay) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	if f.stopAfter > 0 {
		select {
		case <-time.After(f.stopAfter):
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (f *fakeRelay) Close() error {
	f.closed.Add(1)
	return nil
}

var _ suture.Service = (*RelayConsumerService)(nil)

func TestRelayConsumerService_Serve(t *testing.T) {
	t.Run("runs until canceled and closes", func(t *testing.T) {
		relay := &fakeRelay{}
		svc := NewRelayConsumerService(func() (RelayRunner, error) { return relay, nil })

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Serve() = %v, want context.DeadlineExceeded", err)
		}
		if relay.closed.Load() != 1 {
			t.Errorf("Close calls = %d, want 1", relay.closed.Load())
		}
	})

	t.Run("factory failure", func(t *testing.T) {
		boom := errors.New("no broker")
		svc := NewRelayConsumerService(func() (RelayRunner, error) { return nil, boom })

		if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Serve() = %v, want %v", err, boom)
		}
	})

	t.Run("router error is reported", func(t *testing.T) {
		boom := errors.New("subscribe failed")
		relay := &fakeRelay{runErr: boom}
		svc := NewRelayConsumerService(func() (RelayRunner, error) { return relay, nil })

		if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Serve() = %v, want %v", err, boom)
		}
		if relay.closed.Load() != 1 {
			t.Error("consumer should be closed after a failed run")
		}
	})

	t.Run("unexpected stop is a failure", func(t *testing.T) {
		relay := &fakeRelay{stopAfter: time.Millisecond}
		svc := NewRelayConsumerService(func() (RelayRunner, error) { return relay, nil })

		if err := svc.Serve(context.Background()); !errors.Is(err, ErrRelayStopped) {
			t.Errorf("Serve() = %v, want ErrRelayStopped", err)
		}
	})
}

func TestRelayConsumerService_RestartBuildsNewConsumer(t *testing.T) {
	var built atomic.Int32
	svc := NewRelayConsumerService(func() (RelayRunner, error) {
		n := built.Add(1)
		if n < 3 {
			return &fakeRelay{stopAfter: time.Millisecond}, nil
		}
		return &fakeRelay{}, nil
	})

	sup := suture.New("test-sup", suture.Spec{
		FailureThreshold: 10,
		FailureBackoff:   time.Millisecond,
		Timeout:          time.Second,
	})
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for built.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errCh

	if built.Load() < 3 {
		t.Errorf("factory calls = %d, want at least 3", built.Load())
	}
}
