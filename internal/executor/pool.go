// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package executor runs side effects after the operation that caused them
// has completed: relay publishes after a presence change is stored, mail
// after a notification is dispatched.
//
// Pool is a bounded queue drained by a fixed number of workers and runs as
// a suture service. Keyed tasks go to a per-worker lane chosen by hashing
// the key, so tasks sharing a key run one at a time in submission order. Inline runs each task on the caller's goroutine and is
// used by tests and single-threaded tools.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

var (
	// ErrQueueFull is returned when the pool cannot accept more work.
	ErrQueueFull = errors.New("executor queue is full")

	// ErrClosed is returned after the pool has stopped.
	ErrClosed = errors.New("executor is closed")
)

// Task is a unit of deferred work.
type Task func(ctx context.Context) error

// Scheduler accepts tasks for later execution.
type Scheduler interface {
	Submit(name string, task Task) error
}

// KeyedScheduler also runs tasks that share a key serially, in the order
// they were submitted.
type KeyedScheduler interface {
	Scheduler
	SubmitKeyed(key, name string, task Task) error
}

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int

	// TaskTimeout bounds a single task. Zero means no limit.
	TaskTimeout time.Duration

	// DrainTimeout bounds how long Serve keeps running queued tasks after
	// its context is canceled.
	DrainTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		TaskTimeout:  30 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

type job struct {
	name string
	task Task
}

// Pool is a fixed-size worker pool fed by a bounded queue.
type Pool struct {
	cfg   Config
	queue chan job
	lanes []chan job

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. Tasks may be submitted before Serve starts; they
// wait in the queue.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	laneSize := cfg.QueueSize / cfg.Workers
	if laneSize < 1 {
		laneSize = 1
	}
	lanes := make([]chan job, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan job, laneSize)
	}
	return &Pool{
		cfg:   cfg,
		queue: make(chan job, cfg.QueueSize),
		lanes: lanes,
	}
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job{name: name, task: task}:
		metrics.SetExecutorQueueDepth(len(p.queue))
		return nil
	default:
		metrics.RecordExecutorTask(name, "rejected")
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// SubmitKeyed enqueues task on the lane owned by key without blocking.
// One worker drains each lane, so tasks with the same key never overlap
// and run in the order they were accepted.
func (p *Pool) SubmitKeyed(key, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	lane := p.lanes[xxhash.Sum64String(key)%uint64(len(p.lanes))]
	select {
	case lane <- job{name: name, task: task}:
		metrics.SetExecutorQueueDepth(p.Pending())
		return nil
	default:
		metrics.RecordExecutorTask(name, "rejected")
		return fmt.Errorf("%w: %s (key %s)", ErrQueueFull, name, key)
	}
}

// Serve runs the workers until ctx is canceled, then drains what is already
// queued within DrainTimeout. Serve implements suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	logging.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("executor started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(lane chan job) {
			defer wg.Done()
			p.work(ctx, lane)
		}(p.lanes[i])
	}
	wg.Wait()

	p.drain()
	logging.Info().Msg("executor stopped")
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (p *Pool) String() string {
	return "executor"
}

// Pending returns the number of queued tasks, keyed ones included.
func (p *Pool) Pending() int {
	n := len(p.queue)
	for _, lane := range p.lanes {
		n += len(lane)
	}
	return n
}

func (p *Pool) work(ctx context.Context, lane chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-lane:
			metrics.SetExecutorQueueDepth(p.Pending())
			p.run(ctx, j)
		case j := <-p.queue:
			metrics.SetExecutorQueueDepth(p.Pending())
			p.run(ctx, j)
		}
	}
}

// drain stops intake and runs the remaining tasks on a fresh context.
func (p *Pool) drain() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	for _, lane := range p.lanes {
		p.drainQueue(ctx, lane)
	}
	p.drainQueue(ctx, p.queue)
}

func (p *Pool) drainQueue(ctx context.Context, queue chan job) {
	for {
		select {
		case j := <-queue:
			if ctx.Err() != nil {
				metrics.RecordExecutorTask(j.name, "dropped")
				continue
			}
			p.run(ctx, j)
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	if err := runTask(ctx, j); err != nil {
		logging.Warn().Err(err).Str("task", j.name).Msg("deferred task failed")
	}
}

// runTask executes one job, converting a panic into an error so a bad task
// cannot kill its worker.
func runTask(ctx context.Context, j job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		metrics.RecordExecutorTask(j.name, outcome)
		metrics.ObserveExecutorTaskDuration(j.name, time.Since(start))
	}()
	return j.task(ctx)
}

// Inline runs tasks immediately on the caller's goroutine.
type Inline struct{}

// Submit runs task with a background context and returns its error.
func (Inline) Submit(name string, task Task) error {
	return runTask(context.Background(), job{name: name, task: task})
}

// SubmitKeyed runs task immediately. Inline is already serial.
func (Inline) SubmitKeyed(_, name string, task Task) error {
	return Inline{}.Submit(name, task)
}
