package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

type recordedErrors struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *recordedErrors) handle(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[name] = err
}

func TestPool_RunsTasksAndReportsErrors(t *testing.T) {
	rec := &recordedErrors{errs: map[string]error{}}
	p := NewPool(2, time.Second, rec.handle, logger.Nop())

	var ran atomic.Int32
	require.NoError(t, p.Submit("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, p.Submit("fails", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, p.Submit("panics", func(ctx context.Context) error {
		ran.Add(1)
		panic("unexpected")
	}))

	p.Wait()

	assert.Equal(t, int32(3), ran.Load())
	assert.EqualError(t, rec.errs["fails"], "boom")
	assert.ErrorContains(t, rec.errs["panics"], "panic: unexpected")
	assert.NotContains(t, rec.errs, "ok")
}

func TestPool_TaskContextIndependentOfCaller(t *testing.T) {
	p := NewPool(1, time.Second, nil, logger.Nop())

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()

	var taskErr error
	require.NoError(t, p.Submit("detached", func(ctx context.Context) error {
		taskErr = ctx.Err()
		return nil
	}))
	p.Wait()

	assert.Error(t, reqCtx.Err())
	assert.NoError(t, taskErr)
}

func TestPool_RejectsAfterShutdown(t *testing.T) {
	p := NewPool(1, time.Second, nil, logger.Nop())
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
