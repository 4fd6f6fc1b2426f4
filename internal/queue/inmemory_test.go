package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInMemoryQueue(t *testing.T) {
	tests := []struct {
		name         string
		cfg          InMemoryConfig
		wantBuffer   int
		wantWorkers  int
		wantAttempts int
		wantBackoff  time.Duration
	}{
		{name: "defaults", cfg: InMemoryConfig{}, wantBuffer: 100, wantWorkers: 4, wantAttempts: 5, wantBackoff: time.Second},
		{
			name:         "custom",
			cfg:          InMemoryConfig{BufferSize: 50, Workers: 2, MaxAttempts: 3, RetryBackoff: time.Millisecond},
			wantBuffer:   50,
			wantWorkers:  2,
			wantAttempts: 3,
			wantBackoff:  time.Millisecond,
		},
		{
			name:         "negative values use defaults",
			cfg:          InMemoryConfig{BufferSize: -10, Workers: -1, MaxAttempts: -1, RetryBackoff: -time.Second},
			wantBuffer:   100,
			wantWorkers:  4,
			wantAttempts: 5,
			wantBackoff:  time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewInMemoryQueue(tt.cfg)
			require.NotNil(t, q)
			assert.Equal(t, tt.wantBuffer, cap(q.pending))
			assert.Equal(t, tt.wantWorkers, q.workers)
			assert.Equal(t, tt.wantAttempts, q.maxAttempts)
			assert.Equal(t, tt.wantBackoff, q.backoff)
			assert.False(t, q.closed)
		})
	}
}

func TestInMemoryQueue_PublishValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil task", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{})
		err := q.Publish(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task cannot be nil")
	})

	t.Run("invalid task", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{})
		err := q.Publish(ctx, &Task{Kind: KindChunk, RunID: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handoff id")
	})

	t.Run("publish to closed queue", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{})
		require.NoError(t, q.Close())

		err := q.Publish(ctx, &Task{Kind: KindBarrier, RunID: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is closed")
	})

	t.Run("publish with cancelled context", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := q.Publish(cancelled, &Task{Kind: KindBarrier, RunID: 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publish cancelled")
		assert.Equal(t, 0, q.Len())
	})

	t.Run("publish never blocks", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{BufferSize: 1})
		for i := int64(1); i <= 500; i++ {
			require.NoError(t, q.Publish(ctx, &Task{Kind: KindBarrier, RunID: i}))
		}
		assert.Equal(t, 500, q.Len())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		q := NewInMemoryQueue(InMemoryConfig{})
		require.NoError(t, q.Close())
		require.NoError(t, q.Close())
	})
}

func TestInMemoryQueue_SubscribeValidation(t *testing.T) {
	q := NewInMemoryQueue(InMemoryConfig{})
	err := q.Subscribe(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler cannot be nil")
}

func TestInMemoryQueue_DrainsAfterClose(t *testing.T) {
	q := NewInMemoryQueue(InMemoryConfig{Workers: 3})
	ctx := context.Background()

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, q.Publish(ctx, &Task{Kind: KindChunk, RunID: 1, HandoffID: "h", Generation: i}))
	}
	require.NoError(t, q.Close())

	var mu sync.Mutex
	seen := make(map[int64]bool)
	err := q.Subscribe(ctx, func(_ context.Context, task *Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task.Generation] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 20)
}

func TestInMemoryQueue_Redelivery(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		err          error
		wantAttempts []int
		wantLast     bool
	}{
		{name: "succeeds after retries", failures: 2, err: assert.AnError, wantAttempts: []int{1, 2, 3}, wantLast: true},
		{name: "gives up after max attempts", failures: 10, err: assert.AnError, wantAttempts: []int{1, 2, 3}, wantLast: true},
		{name: "permanent error is not retried", failures: 10, err: errors.Mark(assert.AnError, ErrPermanent), wantAttempts: []int{1}},
		{name: "success is delivered once", failures: 0, wantAttempts: []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewInMemoryQueue(InMemoryConfig{Workers: 2, MaxAttempts: 3, RetryBackoff: time.Millisecond})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, q.Publish(ctx, &Task{Kind: KindPostprocess, JobID: 7}))
			require.NoError(t, q.Close())

			var attempts []int
			var last bool
			err := q.Subscribe(ctx, func(_ context.Context, task *Task) error {
				attempts = append(attempts, task.Attempt)
				last = task.LastAttempt()
				if len(attempts) <= tt.failures {
					return tt.err
				}
				return nil
			})
			require.NoError(t, err, "subscribe returns once retries are drained")
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantLast, last)
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestInMemoryQueue_RetryDelay(t *testing.T) {
	q := NewInMemoryQueue(InMemoryConfig{RetryBackoff: time.Second})

	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 4*time.Second, q.retryDelay(3))
	assert.Equal(t, time.Minute, q.retryDelay(10))
}

func TestInMemoryQueue_PublishFromHandler(t *testing.T) {
	q := NewInMemoryQueue(InMemoryConfig{BufferSize: 1, Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	var mu sync.Mutex
	chunks := 0

	handler := func(ctx context.Context, task *Task) error {
		switch task.Kind {
		case KindPostprocess:
			for i := 0; i < 5; i++ {
				if err := q.Publish(ctx, &Task{Kind: KindChunk, RunID: 1, HandoffID: "h"}); err != nil {
					return err
				}
			}
		case KindChunk:
			mu.Lock()
			chunks++
			if chunks == 5 {
				close(done)
			}
			mu.Unlock()
		}
		return nil
	}

	subCtx, subCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- q.Subscribe(subCtx, handler) }()

	require.NoError(t, q.Publish(ctx, &Task{Kind: KindPostprocess, JobID: 1}))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timeout waiting for chunk tasks")
	}
	subCancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

// Every worker fans out at the same time; none may be stuck publishing to
// the queue it consumes.
func TestInMemoryQueue_ConcurrentFanOut(t *testing.T) {
	const (
		workers  = 3
		perTask  = 50
		expected = workers * perTask
	)
	q := NewInMemoryQueue(InMemoryConfig{BufferSize: 10, Workers: workers})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var fanningOut sync.WaitGroup
	fanningOut.Add(workers)
	var handled atomic.Int64
	done := make(chan struct{})

	mux := NewMux(nil)
	mux.Handle(KindPostprocess, func(ctx context.Context, task *Task) error {
		fanningOut.Done()
		fanningOut.Wait()
		for i := 0; i < perTask; i++ {
			if err := q.Publish(ctx, &Task{Kind: KindChunk, RunID: task.JobID, HandoffID: "h"}); err != nil {
				return err
			}
		}
		return nil
	})
	mux.Handle(KindChunk, func(context.Context, *Task) error {
		if handled.Add(1) == expected {
			close(done)
		}
		return nil
	})

	subCtx, subCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- q.Subscribe(subCtx, mux.Serve) }()

	for job := int64(1); job <= workers; job++ {
		require.NoError(t, q.Publish(ctx, &Task{Kind: KindPostprocess, JobID: job}))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("chunks handled before timeout: %d of %d", handled.Load(), expected)
	}
	subCancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
