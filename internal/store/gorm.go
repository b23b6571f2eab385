package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/fintrack/reportd/internal/model"
)

// Gorm is the relational Store backed by gorm. The database's row-level
// locking provides the concurrency control the dispatcher workers rely on.
type Gorm struct {
	db *gorm.DB
}

var _ Store = (*Gorm)(nil)

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the schema for the entities this service owns.
func (s *Gorm) Migrate() error {
	return s.db.AutoMigrate(
		&model.MainTask{},
		&model.Task{},
		&model.Subscriber{},
		&model.Transaction{},
	)
}

func (s *Gorm) CreateMainTask(ctx context.Context, mt *model.MainTask) error {
	if err := s.db.WithContext(ctx).Create(mt).Error; err != nil {
		return fmt.Errorf("create main task: %w", err)
	}
	return nil
}

func (s *Gorm) MainTaskByID(ctx context.Context, id int64) (*model.MainTask, error) {
	var mt model.MainTask
	err := s.db.WithContext(ctx).First(&mt, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("main task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("main task %d: %w", id, err)
	}
	return &mt, nil
}

func (s *Gorm) SetMainTaskStatus(ctx context.Context, id int64, status model.MainTaskStatus) error {
	res := s.db.WithContext(ctx).Model(&model.MainTask{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set main task %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("main task %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Gorm) CreateTask(ctx context.Context, t *model.Task) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task %s: %w", t.Reference, err)
	}
	return nil
}

func (s *Gorm) TaskByID(ctx context.Context, id int64) (*model.Task, error) {
	var t model.Task
	err := s.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	return &t, nil
}

func (s *Gorm) TaskByReference(ctx context.Context, reference string, kind model.TaskKind, subscriberEmail string) (*model.Task, error) {
	var t model.Task
	err := s.db.WithContext(ctx).
		Where("reference = ? AND kind = ? AND subscriber_email = ?", reference, kind, subscriberEmail).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task reference %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task reference %s: %w", reference, err)
	}
	return &t, nil
}

func (s *Gorm) ClaimTask(ctx context.Context, id int64, executedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskQueued).
		Updates(map[string]any{
			"status":      model.TaskProcessing,
			"executed_at": executedAt,
			"attempts":    gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim task %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Gorm) ReleaseTask(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskProcessing).
		Update("status", model.TaskQueued)
	if res.Error != nil {
		return fmt.Errorf("release task %d: %w", id, res.Error)
	}
	return nil
}

func (s *Gorm) CompleteTask(ctx context.Context, id int64, completedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskProcessing).
		Updates(map[string]any{
			"status":       model.TaskCompleted,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("complete task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete task %d: not in %s", id, model.TaskProcessing)
	}
	return nil
}

func (s *Gorm) FailTask(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, []model.TaskStatus{model.TaskQueued, model.TaskProcessing}).
		Update("status", model.TaskFailed)
	if res.Error != nil {
		return fmt.Errorf("fail task %d: %w", id, res.Error)
	}
	return nil
}

func (s *Gorm) ActiveSubscribers(ctx context.Context, kind model.TaskKind, date time.Time) ([]model.Subscriber, error) {
	var subs []model.Subscriber
	err := s.db.WithContext(ctx).
		Where("report_kind = ? AND status = ? AND active_from <= ? AND active_to >= ?",
			kind, model.SubscriberActive, date, date).
		Order("email").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("active subscribers: %w", err)
	}
	return subs, nil
}

func (s *Gorm) TransactionsForDay(ctx context.Context, merchantEmail string, date time.Time) (TransactionIterator, error) {
	if merchantEmail == "" {
		return emptyIterator{}, nil
	}
	from, to := model.Day(date)
	rows, err := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("merchant_email = ? AND occurred_at >= ? AND occurred_at < ?", merchantEmail, from, to).
		Order("occurred_at, id").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("transactions for %s: %w", merchantEmail, err)
	}
	return &gormIterator{db: s.db, rows: rows}, nil
}

func (s *Gorm) SummaryForDay(ctx context.Context, merchantEmail string, date time.Time) ([]model.MerchantSummary, error) {
	from, to := model.Day(date)
	var out []struct {
		MerchantEmail string
		TotalAmount   string
		Currency      string
	}
	err := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Select("merchant_email, SUM(amount) AS total_amount, currency").
		Where("merchant_email = ? AND occurred_at >= ? AND occurred_at < ?", merchantEmail, from, to).
		Group("merchant_email, currency").
		Order("currency").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("summary for %s: %w", merchantEmail, err)
	}
	summaries := make([]model.MerchantSummary, 0, len(out))
	for _, r := range out {
		total, err := parseDecimal(r.TotalAmount)
		if err != nil {
			return nil, fmt.Errorf("summary for %s: %w", merchantEmail, err)
		}
		summaries = append(summaries, model.MerchantSummary{
			MerchantEmail: r.MerchantEmail,
			TotalAmount:   total,
			Currency:      r.Currency,
			Date:          from,
		})
	}
	return summaries, nil
}

type gormIterator struct {
	db   *gorm.DB
	rows *sql.Rows
}

func (it *gormIterator) Next(ctx context.Context) (*model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !it.rows.Next() {
		return nil, it.rows.Err()
	}
	var tx model.Transaction
	if err := it.db.ScanRows(it.rows, &tx); err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &tx, nil
}

func (it *gormIterator) Close() error {
	return it.rows.Close()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

type emptyIterator struct{}

func (emptyIterator) Next(context.Context) (*model.Transaction, error) { return nil, nil }
func (emptyIterator) Close() error                                     { return nil }
