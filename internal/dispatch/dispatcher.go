// Package dispatch resolves queue messages to tasks and runs the matching
// pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintrack/reportd/internal/etl"
	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/queue"
	"github.com/fintrack/reportd/internal/store"
)

// ErrTaskInFlight is returned when a delivery loses the claim to an attempt
// that is still processing; the message is redelivered and retried later.
var ErrTaskInFlight = errors.New("dispatch: task already in flight")

// Dispatcher consumes one queue's messages. Resolution is by exact match on
// (reference, kind, subscriberEmail); an unresolvable message is an error so
// the transport rejects it rather than the dispatcher guessing.
type Dispatcher struct {
	tasks    store.TaskStore
	kind     model.TaskKind
	pipeline etl.Pipeline
	now      func() time.Time
	log      zerolog.Logger
}

func New(tasks store.TaskStore, kind model.TaskKind, pipeline etl.Pipeline, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		kind:     kind,
		pipeline: pipeline,
		now:      time.Now,
		log:      log.With().Str("kind", string(kind)).Logger(),
	}
}

// Handle processes one delivery. A nil return acknowledges the message; a
// queue.ErrDrop return drops a duplicate; any other error rejects it for
// redelivery.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	task, err := d.tasks.TaskByReference(ctx, msg.MessageID, d.kind, msg.SubscriberEmail)
	if err != nil {
		return err
	}
	log := d.log.With().Int64("task_id", task.ID).Str("reference", task.Reference).Logger()

	claimed, err := d.tasks.ClaimTask(ctx, task.ID, d.now())
	if err != nil {
		return err
	}
	if !claimed {
		current, err := d.tasks.TaskByID(ctx, task.ID)
		if err != nil {
			return err
		}
		switch current.Status {
		case model.TaskCompleted, model.TaskFailed:
			return fmt.Errorf("task %d already %s: %w", task.ID, current.Status, queue.ErrDrop)
		default:
			return fmt.Errorf("task %d: %w", task.ID, ErrTaskInFlight)
		}
	}

	params := etl.Params{
		TaskID:        task.ID,
		MerchantEmail: msg.SubscriberEmail,
		Nonce:         d.now().UnixNano(),
	}
	if err := d.pipeline.Run(ctx, params); err != nil {
		// Put the task back so the redelivered message can claim it again.
		if relErr := d.tasks.ReleaseTask(ctx, task.ID); relErr != nil {
			log.Error().Err(relErr).Msg("could not release task after failure")
		}
		return fmt.Errorf("task %d: %w", task.ID, err)
	}
	return nil
}

// Exhausted marks a task FAILED once its message has used up its delivery
// attempts and is being dead-lettered.
func (d *Dispatcher) Exhausted(ctx context.Context, msg queue.Message) {
	task, err := d.tasks.TaskByReference(ctx, msg.MessageID, d.kind, msg.SubscriberEmail)
	if err != nil {
		d.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("cannot resolve exhausted message")
		return
	}
	if err := d.tasks.FailTask(ctx, task.ID); err != nil {
		d.log.Error().Err(err).Int64("task_id", task.ID).Msg("could not mark task failed")
		return
	}
	d.log.Warn().Int64("task_id", task.ID).Msg("task marked failed after exhausted retries")
}
