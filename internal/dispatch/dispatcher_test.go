package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/reportd/internal/etl"
	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/queue"
	"github.com/fintrack/reportd/internal/store"
)

type fakePipeline struct {
	params []etl.Params
	err    error
	// complete mimics the real pipelines' completion hook.
	complete func(ctx context.Context, taskID int64) error
}

func (f *fakePipeline) Run(ctx context.Context, params etl.Params) error {
	f.params = append(f.params, params)
	if f.err != nil {
		return f.err
	}
	if f.complete != nil {
		return f.complete(ctx, params.TaskID)
	}
	return nil
}

func queuedTask(t *testing.T, m *store.Memory, reference, email string) *model.Task {
	t.Helper()
	task := &model.Task{
		Reference:       reference,
		MainTaskID:      1,
		Kind:            model.TaskReport,
		Status:          model.TaskQueued,
		SubscriberEmail: email,
		QueuedAt:        time.Now(),
	}
	require.NoError(t, m.CreateTask(context.Background(), task))
	return task
}

func message(reference, email string) queue.Message {
	return queue.Message{
		MessageID:       reference,
		TaskKind:        string(model.TaskReport),
		SubscriberEmail: email,
		Timestamp:       time.Now().Format(queue.TimestampLayout),
	}
}

func TestHandleClaimsAndRunsPipeline(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	task := queuedTask(t, m, "ref-1", "a@b.com")
	pipe := &fakePipeline{complete: func(ctx context.Context, taskID int64) error {
		return m.CompleteTask(ctx, taskID, time.Now())
	}}
	d := New(m, model.TaskReport, pipe, zerolog.Nop())

	require.NoError(t, d.Handle(ctx, message("ref-1", "a@b.com")))

	require.Len(t, pipe.params, 1)
	require.Equal(t, task.ID, pipe.params[0].TaskID)
	require.Equal(t, "a@b.com", pipe.params[0].MerchantEmail)
	require.NotZero(t, pipe.params[0].Nonce)

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ExecutedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestHandleUnresolvableReferenceErrors(t *testing.T) {
	m := store.NewMemory()
	pipe := &fakePipeline{}
	d := New(m, model.TaskReport, pipe, zerolog.Nop())

	err := d.Handle(context.Background(), message("no-such-ref", "a@b.com"))
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, pipe.params, "pipeline must not run for unresolvable messages")
}

func TestHandleDropsDuplicateOfCompletedTask(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	task := queuedTask(t, m, "ref-2", "a@b.com")
	_, err := m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.CompleteTask(ctx, task.ID, time.Now()))

	pipe := &fakePipeline{}
	d := New(m, model.TaskReport, pipe, zerolog.Nop())

	err = d.Handle(ctx, message("ref-2", "a@b.com"))
	require.ErrorIs(t, err, queue.ErrDrop)
	require.Empty(t, pipe.params)
}

func TestHandleRequeuesWhenTaskInFlight(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	task := queuedTask(t, m, "ref-3", "a@b.com")
	_, err := m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)

	pipe := &fakePipeline{}
	d := New(m, model.TaskReport, pipe, zerolog.Nop())

	err = d.Handle(ctx, message("ref-3", "a@b.com"))
	require.ErrorIs(t, err, ErrTaskInFlight)
	require.NotErrorIs(t, err, queue.ErrDrop)
	require.Empty(t, pipe.params)
}

func TestHandleReleasesTaskOnPipelineFailure(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	task := queuedTask(t, m, "ref-4", "a@b.com")
	pipe := &fakePipeline{err: errors.New("boom")}
	d := New(m, model.TaskReport, pipe, zerolog.Nop())

	require.Error(t, d.Handle(ctx, message("ref-4", "a@b.com")))

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskQueued, got.Status, "failed task must be claimable again")
	require.Equal(t, 1, got.Attempts)
}

func TestExhaustedMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	task := queuedTask(t, m, "ref-5", "a@b.com")
	d := New(m, model.TaskReport, &fakePipeline{}, zerolog.Nop())

	d.Exhausted(ctx, message("ref-5", "a@b.com"))

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.Status)
}
