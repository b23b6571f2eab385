package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/reportd/internal/model"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestActiveSubscribersWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddSubscriber(model.Subscriber{
		Email: "in@b.com", ReportKind: model.TaskReport, Status: model.SubscriberActive,
		ActiveFrom: day(t, "2026-01-01"), ActiveTo: day(t, "2026-12-31"),
	})
	m.AddSubscriber(model.Subscriber{
		Email: "expired@b.com", ReportKind: model.TaskReport, Status: model.SubscriberActive,
		ActiveFrom: day(t, "2025-01-01"), ActiveTo: day(t, "2025-12-31"),
	})
	m.AddSubscriber(model.Subscriber{
		Email: "inactive@b.com", ReportKind: model.TaskReport, Status: model.SubscriberInactive,
		ActiveFrom: day(t, "2026-01-01"), ActiveTo: day(t, "2026-12-31"),
	})
	m.AddSubscriber(model.Subscriber{
		Email: "summary@b.com", ReportKind: model.TaskReportSummary, Status: model.SubscriberActive,
		ActiveFrom: day(t, "2026-01-01"), ActiveTo: day(t, "2026-12-31"),
	})

	subs, err := m.ActiveSubscribers(ctx, model.TaskReport, day(t, "2026-06-15"))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "in@b.com", subs[0].Email)

	// Window edges are inclusive on both ends.
	subs, err = m.ActiveSubscribers(ctx, model.TaskReport, day(t, "2026-01-01"))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	subs, err = m.ActiveSubscribers(ctx, model.TaskReport, day(t, "2026-12-31"))
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestClaimTaskIsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := &model.Task{
		Reference: "ref-1", MainTaskID: 1, Kind: model.TaskReport,
		Status: model.TaskQueued, SubscriberEmail: "a@b.com", QueuedAt: time.Now(),
	}
	require.NoError(t, m.CreateTask(ctx, task))

	claimed, err := m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.False(t, claimed, "second claim must lose")

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskProcessing, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ExecutedAt)
}

func TestReleaseThenReclaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := &model.Task{
		Reference: "ref-2", MainTaskID: 1, Kind: model.TaskReport,
		Status: model.TaskQueued, SubscriberEmail: "a@b.com", QueuedAt: time.Now(),
	}
	require.NoError(t, m.CreateTask(ctx, task))

	claimed, err := m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, m.ReleaseTask(ctx, task.ID))

	claimed, err = m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := &model.Task{
		Reference: "ref-3", MainTaskID: 1, Kind: model.TaskReport,
		Status: model.TaskQueued, SubscriberEmail: "a@b.com", QueuedAt: time.Now(),
	}
	require.NoError(t, m.CreateTask(ctx, task))

	require.Error(t, m.CompleteTask(ctx, task.ID, time.Now()))

	_, err := m.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.CompleteTask(ctx, task.ID, time.Now()))

	got, err := m.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestTaskByReferenceExactMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := &model.Task{
		Reference: "ref-4", MainTaskID: 1, Kind: model.TaskReport,
		Status: model.TaskQueued, SubscriberEmail: "a@b.com", QueuedAt: time.Now(),
	}
	require.NoError(t, m.CreateTask(ctx, task))

	got, err := m.TaskByReference(ctx, "ref-4", model.TaskReport, "a@b.com")
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)

	_, err = m.TaskByReference(ctx, "ref-4", model.TaskReportSummary, "a@b.com")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.TaskByReference(ctx, "ref-4", model.TaskReport, "other@b.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSummaryForDayGroupsByCurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	today := time.Now()
	m.AddTransaction(model.Transaction{MerchantEmail: "a@b.com", Amount: decimal.RequireFromString("10.00"), Currency: "USD", OccurredAt: today})
	m.AddTransaction(model.Transaction{MerchantEmail: "a@b.com", Amount: decimal.RequireFromString("3.25"), Currency: "EUR", OccurredAt: today})
	m.AddTransaction(model.Transaction{MerchantEmail: "a@b.com", Amount: decimal.RequireFromString("5.00"), Currency: "USD", OccurredAt: today})
	m.AddTransaction(model.Transaction{MerchantEmail: "other@b.com", Amount: decimal.RequireFromString("99.00"), Currency: "USD", OccurredAt: today})

	summaries, err := m.SummaryForDay(ctx, "a@b.com", today)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "EUR", summaries[0].Currency)
	require.Equal(t, "3.25", summaries[0].TotalAmount.StringFixed(2))
	require.Equal(t, "USD", summaries[1].Currency)
	require.Equal(t, "15.00", summaries[1].TotalAmount.StringFixed(2))
}
