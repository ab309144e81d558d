package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(p *Pool) func() []*Result {
	var (
		mu  sync.Mutex
		out []*Result
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range p.Results() {
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
		}
	}()
	return func() []*Result {
		<-done
		return out
	}
}

func TestPoolProcessesAllTasks(t *testing.T) {
	boom := errors.New("boom")
	pool, err := New(context.Background(), Config{Workers: 3, QueueSize: 2}, func(_ context.Context, task *Task) *Result {
		n := task.Payload.(int)
		if n%4 == 0 {
			return &Result{TaskID: task.ID, Error: boom}
		}
		return &Result{TaskID: task.ID, Data: n * 2}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	wait := collect(pool)

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), &Task{ID: fmt.Sprint(i), Payload: i}))
	}
	require.NoError(t, pool.Stop())

	results := wait()
	assert.Len(t, results, 10)
	failed := 0
	for _, r := range results {
		if r.Error != nil {
			assert.ErrorIs(t, r.Error, boom)
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.TasksSubmitted)
	assert.Equal(t, int64(8), stats.TasksCompleted)
	assert.Equal(t, int64(2), stats.TasksFailed)
}

func TestPoolTaskTimeout(t *testing.T) {
	pool, err := New(context.Background(), Config{Workers: 1, TaskTimeout: 10 * time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		<-ctx.Done()
		return &Result{TaskID: task.ID, Error: ctx.Err()}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	wait := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), &Task{ID: "slow"}))
	require.NoError(t, pool.Stop())

	results := wait()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(context.Background(), DefaultConfig(), func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	wait := collect(pool)
	require.NoError(t, pool.Stop())
	wait()

	assert.ErrorIs(t, pool.Submit(context.Background(), &Task{ID: "late"}), ErrStopped)
	assert.NoError(t, pool.Stop())
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
