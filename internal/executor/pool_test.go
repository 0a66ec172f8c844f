// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/fanout/internal/logging"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 10, DrainTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	waitFor(t, func() bool { return ran.Load() == 5 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	if err := p.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after stop = %v, want ErrClosed", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1})
	noop := func(context.Context) error { return nil }

	if err := p.Submit("first", noop); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := p.Submit("second", noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() on full queue = %v, want ErrQueueFull", err)
	}
	if p.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", p.Pending())
	}
}

func TestPool_DrainsQueuedTasksOnShutdown(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 10, DrainTimeout: time.Second})
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		_ = p.Submit("queued", func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Serve(ctx)

	if ran.Load() != 3 {
		t.Errorf("ran %d tasks, want 3 drained on shutdown", ran.Load())
	}
}

func TestPool_PanickingTaskDoesNotKillWorker(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 10, DrainTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Serve(ctx) }()

	var after atomic.Bool
	_ = p.Submit("boom", func(context.Context) error { panic("boom") })
	_ = p.Submit("after", func(context.Context) error {
		after.Store(true)
		return nil
	})
	waitFor(t, after.Load)
}

func TestPool_KeyedTasksRunInOrder(t *testing.T) {
	p := NewPool(Config{Workers: 4, QueueSize: 64, DrainTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Serve(ctx) }()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 8; i++ {
		i := i
		err := p.SubmitKeyed("watch:42", "ordered", func(context.Context) error {
			// Early tasks take longer so a parallel run would reorder them.
			time.Sleep(time.Duration(8-i) * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("SubmitKeyed() error = %v", err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 8
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPool_KeyedTasksDrainOnShutdown(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 10, DrainTimeout: time.Second})
	var ran atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		if err := p.SubmitKeyed(key, "queued", func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("SubmitKeyed() error = %v", err)
		}
	}
	if p.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", p.Pending())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Serve(ctx)

	if ran.Load() != 3 {
		t.Errorf("ran %d keyed tasks, want 3 drained on shutdown", ran.Load())
	}
	if err := p.SubmitKeyed("a", "late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("SubmitKeyed() after stop = %v, want ErrClosed", err)
	}
}

func TestInline(t *testing.T) {
	want := errors.New("failed")
	err := Inline{}.Submit("x", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Inline.Submit() = %v, want %v", err, want)
	}
	err = Inline{}.Submit("panic", func(context.Context) error { panic("x") })
	if err == nil {
		t.Error("Inline.Submit() should convert panics to errors")
	}
}
