package queue

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr string
	}{
		{name: "postprocess", task: Task{Kind: KindPostprocess, JobID: 3}},
		{name: "postprocess without job", task: Task{Kind: KindPostprocess}, wantErr: "job id"},
		{name: "chunk", task: Task{Kind: KindChunk, RunID: 1, HandoffID: "abc"}},
		{name: "chunk without handoff", task: Task{Kind: KindChunk, RunID: 1}, wantErr: "handoff id"},
		{name: "barrier", task: Task{Kind: KindBarrier, RunID: 1}},
		{name: "barrier without run", task: Task{Kind: KindBarrier}, wantErr: "run id"},
		{name: "unknown kind", task: Task{Kind: "reindex"}, wantErr: `unknown task kind "reindex"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMux_Serve(t *testing.T) {
	ctx := context.Background()
	mux := NewMux(nil)

	var got []Kind
	mux.Handle(KindChunk, func(_ context.Context, task *Task) error {
		got = append(got, task.Kind)
		return nil
	})
	mux.Handle(KindBarrier, func(context.Context, *Task) error {
		return errors.Mark(errors.New("run is gone"), ErrPermanent)
	})

	t.Run("routes by kind", func(t *testing.T) {
		require.NoError(t, mux.Serve(ctx, &Task{Kind: KindChunk, RunID: 1, HandoffID: "h"}))
		assert.Equal(t, []Kind{KindChunk}, got)
	})

	t.Run("handler errors are returned", func(t *testing.T) {
		err := mux.Serve(ctx, &Task{Kind: KindBarrier, RunID: 1})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPermanent))
	})

	t.Run("unrouted kind is permanent", func(t *testing.T) {
		err := mux.Serve(ctx, &Task{Kind: KindPostprocess, JobID: 1})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPermanent))
	})

	t.Run("invalid task is permanent", func(t *testing.T) {
		err := mux.Serve(ctx, &Task{Kind: KindChunk})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPermanent))

		err = mux.Serve(ctx, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPermanent))
	})
}

func TestMux_Exhausted(t *testing.T) {
	ctx := context.Background()
	failure := errors.New("store unavailable")

	tests := []struct {
		name          string
		task          *Task
		handlerErr    error
		wantExhausted bool
		wantPermanent bool
	}{
		{
			name:       "retryable attempt",
			task:       &Task{Kind: KindPostprocess, JobID: 1, Attempt: 2, MaxAttempts: 5},
			handlerErr: failure,
		},
		{
			name:          "last attempt",
			task:          &Task{Kind: KindPostprocess, JobID: 1, Attempt: 5, MaxAttempts: 5},
			handlerErr:    failure,
			wantExhausted: true,
			wantPermanent: true,
		},
		{
			name:          "permanent error on last attempt",
			task:          &Task{Kind: KindPostprocess, JobID: 1, Attempt: 5, MaxAttempts: 5},
			handlerErr:    errors.Mark(failure, ErrPermanent),
			wantPermanent: true,
		},
		{
			name:       "unlimited attempts",
			task:       &Task{Kind: KindPostprocess, JobID: 1, Attempt: 50},
			handlerErr: failure,
		},
		{
			name: "success on last attempt",
			task: &Task{Kind: KindPostprocess, JobID: 1, Attempt: 5, MaxAttempts: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exhausted error
			mux := NewMux(nil)
			mux.Handle(KindPostprocess, func(context.Context, *Task) error { return tt.handlerErr })
			mux.HandleExhausted(KindPostprocess, func(_ context.Context, task *Task, err error) {
				assert.Equal(t, int64(1), task.JobID)
				exhausted = err
			})

			err := mux.Serve(ctx, tt.task)
			if tt.handlerErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			assert.Equal(t, tt.wantPermanent, errors.Is(err, ErrPermanent))
			if tt.wantExhausted {
				assert.True(t, errors.Is(exhausted, failure))
			} else {
				assert.Nil(t, exhausted)
			}
		})
	}
}
