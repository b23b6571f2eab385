// Package store defines the persistence contracts for tasks, subscribers and
// transactions, with a Postgres implementation for production and an
// in-memory one for tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fintrack/reportd/internal/model"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("store: not found")

type MainTaskStore interface {
	CreateMainTask(ctx context.Context, mt *model.MainTask) error
	MainTaskByID(ctx context.Context, id int64) (*model.MainTask, error)
	SetMainTaskStatus(ctx context.Context, id int64, status model.MainTaskStatus) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	TaskByID(ctx context.Context, id int64) (*model.Task, error)
	// TaskByReference resolves a queue message to its task by exact match on
	// all three correlation fields.
	TaskByReference(ctx context.Context, reference string, kind model.TaskKind, subscriberEmail string) (*model.Task, error)
	// ClaimTask atomically moves a QUEUED task to PROCESSING, stamping
	// executedAt and incrementing the attempt counter. It reports false when
	// the task was not in QUEUED, without error.
	ClaimTask(ctx context.Context, id int64, executedAt time.Time) (bool, error)
	// ReleaseTask moves a PROCESSING task back to QUEUED so a redelivered
	// message can claim it again after a failed attempt.
	ReleaseTask(ctx context.Context, id int64) error
	// CompleteTask moves a PROCESSING task to COMPLETED, stamping completedAt.
	CompleteTask(ctx context.Context, id int64, completedAt time.Time) error
	FailTask(ctx context.Context, id int64) error
}

type SubscriberStore interface {
	// ActiveSubscribers returns subscribers of the given kind whose active
	// window contains date and whose status is ACTIVE.
	ActiveSubscribers(ctx context.Context, kind model.TaskKind, date time.Time) ([]model.Subscriber, error)
}

// TransactionIterator is a single-pass forward cursor. It is not safe for
// concurrent use; each pipeline execution must own its iterator exclusively.
type TransactionIterator interface {
	// Next returns the next transaction, or (nil, nil) once exhausted.
	Next(ctx context.Context) (*model.Transaction, error)
	Close() error
}

type TransactionStore interface {
	// TransactionsForDay lazily iterates a merchant's transactions with
	// occurredAt in [start-of-day(date), start-of-next-day(date)).
	TransactionsForDay(ctx context.Context, merchantEmail string, date time.Time) (TransactionIterator, error)
	// SummaryForDay returns the merchant's transactions for the day grouped
	// by merchant and currency with amounts summed.
	SummaryForDay(ctx context.Context, merchantEmail string, date time.Time) ([]model.MerchantSummary, error)
}

// Store bundles every persistence contract for wiring.
type Store interface {
	MainTaskStore
	TaskStore
	SubscriberStore
	TransactionStore
}
