// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordConnectionLifecycle(t *testing.T) {
	gauge := ConnectionsActive.WithLabelValues("sse")
	before := testutil.ToFloat64(gauge)
	totalBefore := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("sse"))

	RecordConnectionOpened("sse")
	RecordConnectionOpened("sse")
	RecordConnectionClosed("sse")

	if got := testutil.ToFloat64(gauge) - before; got != 1 {
		t.Errorf("active delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("sse")) - totalBefore; got != 2 {
		t.Errorf("total delta = %v, want 2", got)
	}
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	tests := []struct {
		name   string
		record func(int)
		read   func() float64
	}{
		{"evicted", RecordEventsEvicted, func() float64 { return testutil.ToFloat64(EventsEvicted) }},
		{"replayed", RecordReplayed, func() float64 { return testutil.ToFloat64(EventsReplayed) }},
		{"cleanup evictions", RecordCleanup, func() float64 { return testutil.ToFloat64(CleanupEvictions) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record(0)
			tt.record(-1)
			tt.record(3)
			if got := tt.read() - before; got != 3 {
				t.Errorf("delta = %v, want 3", got)
			}
		})
	}
}

func TestLabelledCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		read   func() float64
	}{
		{"push", func() { RecordPush("websocket", "failed") }, func() float64 { return testutil.ToFloat64(PushesTotal.WithLabelValues("websocket", "failed")) }},
		{"reconnect", func() { RecordReconnectFailure("truncated") }, func() float64 { return testutil.ToFloat64(ReconnectFailures.WithLabelValues("truncated")) }},
		{"presence", func() { RecordPresenceOperation("nats", "add", "added") }, func() float64 {
			return testutil.ToFloat64(PresenceOperations.WithLabelValues("nats", "add", "added"))
		}},
		{"lifecycle", func() { RecordLifecycle("subscribe", "joined") }, func() float64 { return testutil.ToFloat64(LifecycleTransitions.WithLabelValues("subscribe", "joined")) }},
		{"relay published", func() { RecordRelayPublished("platform.Presence", "ok") }, func() float64 {
			return testutil.ToFloat64(RelayPublished.WithLabelValues("platform.Presence", "ok"))
		}},
		{"relay consumed", func() { RecordRelayConsumed("platform.Presence", "duplicate") }, func() float64 {
			return testutil.ToFloat64(RelayConsumed.WithLabelValues("platform.Presence", "duplicate"))
		}},
		{"mail", func() { RecordMailAttempt("sent") }, func() float64 { return testutil.ToFloat64(MailAttempts.WithLabelValues("sent")) }},
		{"executor", func() { RecordExecutorTask("mail", "failed") }, func() float64 { return testutil.ToFloat64(ExecutorTasks.WithLabelValues("mail", "failed")) }},
		{"frames", func() { RecordInboundFrameRejected("rate_limited") }, func() float64 {
			return testutil.ToFloat64(InboundFramesRejected.WithLabelValues("rate_limited"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record()
			if got := tt.read() - before; got != 1 {
				t.Errorf("delta = %v, want 1", got)
			}
		})
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("relay-publisher", 2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("relay-publisher")); got != 2 {
		t.Errorf("state = %v, want 2", got)
	}
	SetBreakerState("relay-publisher", 0)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("relay-publisher")); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}
}

func TestGaugesAndHistograms(t *testing.T) {
	SetExecutorQueueDepth(7)
	if got := testutil.ToFloat64(ExecutorQueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}

	ObserveExecutorTaskDuration("mail", 10*time.Millisecond)
	RecordAPIRequest("GET", "/api/v1/events", 200, 5*time.Millisecond)
	if n := testutil.CollectAndCount(ExecutorTaskDuration); n == 0 {
		t.Error("executor histogram has no series")
	}
	if n := testutil.CollectAndCount(APIRequestDuration); n == 0 {
		t.Error("api histogram has no series")
	}
}

func TestConcurrentRecording(t *testing.T) {
	before := testutil.ToFloat64(EventsAppended.WithLabelValues("ping"))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				RecordEventAppended("ping")
			}
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(EventsAppended.WithLabelValues("ping")) - before; got != 1000 {
		t.Errorf("delta = %v, want 1000", got)
	}
}
