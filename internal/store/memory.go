package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fintrack/reportd/internal/model"
)

// Memory is an in-memory Store for tests and local runs. All methods are
// safe for concurrent use.
type Memory struct {
	mu           sync.Mutex
	mainTasks    map[int64]model.MainTask
	tasks        map[int64]model.Task
	subscribers  []model.Subscriber
	transactions []model.Transaction
	nextMainTask int64
	nextTask     int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		mainTasks: make(map[int64]model.MainTask),
		tasks:     make(map[int64]model.Task),
	}
}

// AddSubscriber seeds a subscriber row.
func (m *Memory) AddSubscriber(s model.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// AddTransaction seeds a transaction row.
func (m *Memory) AddTransaction(tx model.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == 0 {
		tx.ID = int64(len(m.transactions) + 1)
	}
	m.transactions = append(m.transactions, tx)
}

func (m *Memory) CreateMainTask(_ context.Context, mt *model.MainTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMainTask++
	mt.ID = m.nextMainTask
	now := time.Now()
	mt.CreatedAt, mt.UpdatedAt = now, now
	m.mainTasks[mt.ID] = *mt
	return nil
}

func (m *Memory) MainTaskByID(_ context.Context, id int64) (*model.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.mainTasks[id]
	if !ok {
		return nil, fmt.Errorf("main task %d: %w", id, ErrNotFound)
	}
	return &mt, nil
}

func (m *Memory) SetMainTaskStatus(_ context.Context, id int64, status model.MainTaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.mainTasks[id]
	if !ok {
		return fmt.Errorf("main task %d: %w", id, ErrNotFound)
	}
	mt.Status = status
	mt.UpdatedAt = time.Now()
	m.mainTasks[id] = mt
	return nil
}

func (m *Memory) CreateTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.Reference == t.Reference {
			return fmt.Errorf("create task: duplicate reference %s", t.Reference)
		}
	}
	m.nextTask++
	t.ID = m.nextTask
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = *t
	return nil
}

func (m *Memory) TaskByID(_ context.Context, id int64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (m *Memory) TaskByReference(_ context.Context, reference string, kind model.TaskKind, subscriberEmail string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Reference == reference && t.Kind == kind && t.SubscriberEmail == subscriberEmail {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task reference %s: %w", reference, ErrNotFound)
}

func (m *Memory) ClaimTask(_ context.Context, id int64, executedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != model.TaskQueued {
		return false, nil
	}
	at := executedAt
	t.Status = model.TaskProcessing
	t.ExecutedAt = &at
	t.Attempts++
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) ReleaseTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != model.TaskProcessing {
		return nil
	}
	t.Status = model.TaskQueued
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, id int64, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if t.Status != model.TaskProcessing {
		return fmt.Errorf("complete task %d: not in %s", id, model.TaskProcessing)
	}
	at := completedAt
	t.Status = model.TaskCompleted
	t.CompletedAt = &at
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *Memory) FailTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if t.Status == model.TaskQueued || t.Status == model.TaskProcessing {
		t.Status = model.TaskFailed
		t.UpdatedAt = time.Now()
		m.tasks[id] = t
	}
	return nil
}

func (m *Memory) ActiveSubscribers(_ context.Context, kind model.TaskKind, date time.Time) ([]model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscriber
	for _, s := range m.subscribers {
		if s.ReportKind == kind && s.Status == model.SubscriberActive &&
			!date.Before(s.ActiveFrom) && !date.After(s.ActiveTo) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Memory) TransactionsForDay(_ context.Context, merchantEmail string, date time.Time) (TransactionIterator, error) {
	if merchantEmail == "" {
		return emptyIterator{}, nil
	}
	from, to := model.Day(date)
	m.mu.Lock()
	var txs []model.Transaction
	for _, tx := range m.transactions {
		if tx.MerchantEmail == merchantEmail && !tx.OccurredAt.Before(from) && tx.OccurredAt.Before(to) {
			txs = append(txs, tx)
		}
	}
	m.mu.Unlock()
	sort.Slice(txs, func(i, j int) bool { return txs[i].OccurredAt.Before(txs[j].OccurredAt) })
	return &sliceIterator{txs: txs}, nil
}

func (m *Memory) SummaryForDay(_ context.Context, merchantEmail string, date time.Time) ([]model.MerchantSummary, error) {
	from, to := model.Day(date)
	m.mu.Lock()
	totals := make(map[string]decimal.Decimal)
	for _, tx := range m.transactions {
		if tx.MerchantEmail == merchantEmail && !tx.OccurredAt.Before(from) && tx.OccurredAt.Before(to) {
			totals[tx.Currency] = totals[tx.Currency].Add(tx.Amount)
		}
	}
	m.mu.Unlock()
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	out := make([]model.MerchantSummary, 0, len(currencies))
	for _, c := range currencies {
		out = append(out, model.MerchantSummary{
			MerchantEmail: merchantEmail,
			TotalAmount:   totals[c],
			Currency:      c,
			Date:          from,
		})
	}
	return out, nil
}

type sliceIterator struct {
	txs []model.Transaction
	pos int
}

func (it *sliceIterator) Next(ctx context.Context) (*model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.txs) {
		return nil, nil
	}
	tx := it.txs[it.pos]
	it.pos++
	return &tx, nil
}

func (it *sliceIterator) Close() error { return nil }
