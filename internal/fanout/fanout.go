// Package fanout expands one MainTask into per-subscriber Tasks and queue
// messages.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/queue"
	"github.com/fintrack/reportd/internal/store"
)

// ErrUnsupportedKind is returned for a report kind no queue is configured
// for. The check runs before any Task row is written, so an unsupported kind
// never leaves partially-created, message-less Tasks behind.
var ErrUnsupportedKind = errors.New("fanout: unsupported report kind")

// Publisher is the queue side of fan-out.
type Publisher interface {
	Publish(ctx context.Context, queueName string, msg queue.Message) error
}

// Engine turns one scheduling obligation into N per-subscriber tasks, each
// persisted before its message is emitted so the dispatcher can always
// resolve what it consumes.
type Engine struct {
	mainTasks   store.MainTaskStore
	tasks       store.TaskStore
	subscribers store.SubscriberStore
	pub         Publisher
	queues      map[model.TaskKind]string
	now         func() time.Time
	log         zerolog.Logger
}

func NewEngine(
	mainTasks store.MainTaskStore,
	tasks store.TaskStore,
	subscribers store.SubscriberStore,
	pub Publisher,
	queues map[model.TaskKind]string,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		mainTasks:   mainTasks,
		tasks:       tasks,
		subscribers: subscribers,
		pub:         pub,
		queues:      queues,
		now:         time.Now,
		log:         log,
	}
}

// Run fans out the MainTask identified by mainTaskID for the given kind.
// An empty subscriber set completes with zero tasks and zero messages.
func (e *Engine) Run(ctx context.Context, mainTaskID int64, kind model.TaskKind) error {
	queueName, ok := e.queues[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	mt, err := e.mainTasks.MainTaskByID(ctx, mainTaskID)
	if err != nil {
		return err
	}

	subs, err := e.subscribers.ActiveSubscribers(ctx, kind, e.now())
	if err != nil {
		e.markFailed(ctx, mt.ID)
		return fmt.Errorf("fanout main task %d: %w", mt.ID, err)
	}

	log := e.log.With().Int64("main_task_id", mt.ID).Str("kind", string(kind)).Logger()
	for _, sub := range subs {
		if err := e.dispatchOne(ctx, mt, kind, queueName, sub); err != nil {
			e.markFailed(ctx, mt.ID)
			return err
		}
	}

	if err := e.mainTasks.SetMainTaskStatus(ctx, mt.ID, model.MainTaskCompleted); err != nil {
		return err
	}
	log.Info().Int("tasks", len(subs)).Msg("fan-out completed")
	return nil
}

func (e *Engine) dispatchOne(ctx context.Context, mt *model.MainTask, kind model.TaskKind, queueName string, sub model.Subscriber) error {
	queuedAt := e.now()
	task := &model.Task{
		Reference:       uuid.NewString(),
		MainTaskID:      mt.ID,
		Kind:            kind,
		Status:          model.TaskQueued,
		SubscriberEmail: sub.Email,
		QueuedAt:        queuedAt,
	}
	// The task row must be durable before its message exists anywhere.
	if err := e.tasks.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("fanout main task %d: %w", mt.ID, err)
	}
	msg := queue.Message{
		MessageID:       task.Reference,
		TaskKind:        string(kind),
		SubscriberEmail: sub.Email,
		Timestamp:       queuedAt.Format(queue.TimestampLayout),
	}
	if err := e.pub.Publish(ctx, queueName, msg); err != nil {
		return fmt.Errorf("fanout main task %d: %w", mt.ID, err)
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, id int64) {
	if err := e.mainTasks.SetMainTaskStatus(ctx, id, model.MainTaskFailed); err != nil {
		e.log.Error().Err(err).Int64("main_task_id", id).Msg("could not mark main task failed")
	}
}
