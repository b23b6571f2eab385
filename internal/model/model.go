// Package model holds the persistent entities shared by the fan-out engine,
// the dispatcher and the report pipelines.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportKind identifies the scheduling cycle that produced a MainTask.
type ReportKind string

const (
	KindEOD ReportKind = "EOD"
	KindEOM ReportKind = "EOM"
)

// TaskKind identifies which pipeline a Task is dispatched to.
type TaskKind string

const (
	TaskReport        TaskKind = "REPORT"
	TaskReportSummary TaskKind = "REPORT_SUMMARY"
)

type MainTaskStatus string

const (
	MainTaskPending   MainTaskStatus = "PENDING"
	MainTaskCompleted MainTaskStatus = "COMPLETED"
	MainTaskFailed    MainTaskStatus = "FAILED"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "ACTIVE"
	SubscriberInactive SubscriberStatus = "INACTIVE"
)

// MainTask is the top-level obligation for one report kind on one day.
// It is created once per scheduling cycle and never deleted.
type MainTask struct {
	ID          int64          `gorm:"primaryKey;autoIncrement"`
	Kind        ReportKind     `gorm:"size:16;not null"`
	Status      MainTaskStatus `gorm:"size:16;not null"`
	ScheduledAt time.Time      `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is one subscriber's unit of work derived from a MainTask. Reference
// is the idempotency token and the only correlation key between a queue
// message and its row.
type Task struct {
	ID              int64      `gorm:"primaryKey;autoIncrement"`
	Reference       string     `gorm:"size:36;uniqueIndex;not null"`
	MainTaskID      int64      `gorm:"index;not null"`
	Kind            TaskKind   `gorm:"size:24;not null"`
	Status          TaskStatus `gorm:"size:16;index;not null"`
	SubscriberEmail string     `gorm:"size:254;index;not null"`
	Attempts        int        `gorm:"not null;default:0"`
	QueuedAt        time.Time  `gorm:"not null"`
	ExecutedAt      *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscriber is read-only from this service's perspective; rows are owned by
// the subscription system.
type Subscriber struct {
	Email      string           `gorm:"primaryKey;size:254"`
	ReportKind TaskKind         `gorm:"size:24;not null"`
	ActiveFrom time.Time        `gorm:"not null"`
	ActiveTo   time.Time        `gorm:"not null"`
	Status     SubscriberStatus `gorm:"size:16;not null"`
}

// Transaction is a raw ledger fact; this service only ever reads them.
type Transaction struct {
	ID            int64           `gorm:"primaryKey"`
	PayerName     string          `gorm:"size:120"`
	PayerEmail    string          `gorm:"size:254"`
	MerchantEmail string          `gorm:"size:254;index"`
	Amount        decimal.Decimal `gorm:"type:numeric(18,2)"`
	Currency      string          `gorm:"size:3"`
	OccurredAt    time.Time       `gorm:"index"`
}

// MerchantSummary is one row of the grouped summary query: a merchant's
// transactions for one day summed per currency.
type MerchantSummary struct {
	MerchantEmail string
	TotalAmount   decimal.Decimal
	Currency      string
	Date          time.Time
}

// Day returns the [start-of-day, start-of-next-day) window containing t,
// in t's location.
func Day(t time.Time) (from, to time.Time) {
	from = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 0, 1)
}
