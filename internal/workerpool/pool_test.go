package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsAllTasks(t *testing.T) {
	pool := New(Config{Name: "test", MaxWorkers: 4, QueueSize: 16})
	defer pool.Stop(time.Second)

	var count int32
	for i := 0; i < 20; i++ {
		err := pool.Submit(context.Background(), Task{
			ID: "t",
			Fn: func(ctx context.Context) error {
				atomic.AddInt32(&count, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 20
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_TracksFailedTasks(t *testing.T) {
	pool := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	err := pool.Submit(context.Background(), Task{
		ID: "fail",
		Fn: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pool.Stats().FailedTasks == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_RecoversFromPanic(t *testing.T) {
	pool := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	err := pool.Submit(context.Background(), Task{
		ID: "panics",
		Fn: func(ctx context.Context) error {
			panic("boom")
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pool.Stats().FailedTasks == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_RejectsAfterStop(t *testing.T) {
	pool := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(context.Background(), Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestSubmit_RespectsContextCancellation(t *testing.T) {
	pool := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "blocker",
		Fn: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))
	// Fill the single-slot queue so the next Submit has to wait.
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "queued", Fn: func(ctx context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{ID: "blocked-out", Fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}
