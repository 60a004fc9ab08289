// Package worker runs supervised background tasks detached from requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// ErrorHandler observes task failures, including recovered panics.
type ErrorHandler func(name string, err error)

// Pool runs tasks with bounded concurrency. Tasks run on a context that is
// independent of the submitting request and is cancelled on Shutdown.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	onError ErrorHandler
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool running at most concurrency tasks at once, each
// bounded by timeout. A nil onError logs failures.
func NewPool(concurrency int, timeout time.Duration, onError ErrorHandler, log *logger.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
	if onError == nil {
		onError = func(name string, err error) {
			log.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}
	p.onError = onError
	return p
}

// Submit schedules a task without waiting for it.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(name, task)
	return nil
}

func (p *Pool) run(name string, task Task) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.onError(name, fmt.Errorf("not started: %w", err))
		return
	}
	defer p.sem.Release(1)

	metrics.BackgroundTasksActive.Inc()
	defer metrics.BackgroundTasksActive.Dec()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.onError(name, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := task(ctx); err != nil {
		p.onError(name, err)
	}
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done, after which remaining tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until all submitted tasks have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
