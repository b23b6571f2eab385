package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintrack/reportd/internal/csvsink"
	"github.com/fintrack/reportd/internal/store"
)

// SummaryFilename is the fixed artifact name of the summary pipeline.
const SummaryFilename = "report_summary.csv"

const summaryDateLayout = "02/01/2006"

// SummaryRow is one rendered line of the summary report: a merchant's day
// total for one currency.
type SummaryRow struct {
	MerchantEmail   string
	Amount          string
	Currency        string
	TransactionDate string
}

var summaryHeader = []string{"merchantEmail", "amount", "currency", "transactionDate"}

func (r *SummaryRow) Header() []string { return summaryHeader }

func (r *SummaryRow) Row() []string {
	return []string{r.MerchantEmail, r.Amount, r.Currency, r.TransactionDate}
}

// SummaryPipeline writes one subscriber's pre-aggregated day totals in a
// single pass; the grouping itself is the store's query, not a pipeline
// stage.
type SummaryPipeline struct {
	tasks store.TaskStore
	txns  store.TransactionStore
	sink  *csvsink.Sink
	now   func() time.Time
	log   zerolog.Logger
}

var _ Pipeline = (*SummaryPipeline)(nil)

func NewSummaryPipeline(tasks store.TaskStore, txns store.TransactionStore, sink *csvsink.Sink, log zerolog.Logger) *SummaryPipeline {
	return &SummaryPipeline{
		tasks: tasks,
		txns:  txns,
		sink:  sink,
		now:   time.Now,
		log:   log,
	}
}

func (p *SummaryPipeline) Run(ctx context.Context, params Params) error {
	task, err := p.tasks.TaskByID(ctx, params.TaskID)
	if err != nil {
		return err
	}

	summaries, err := p.txns.SummaryForDay(ctx, task.SubscriberEmail, p.now())
	if err != nil {
		return fmt.Errorf("summary pipeline task %d: %w", task.ID, err)
	}

	recs := make([]csvsink.Record, len(summaries))
	for i, s := range summaries {
		recs[i] = &SummaryRow{
			MerchantEmail:   s.MerchantEmail,
			Amount:          s.TotalAmount.StringFixed(2),
			Currency:        s.Currency,
			TransactionDate: s.Date.Format(summaryDateLayout),
		}
	}
	if err := p.sink.Write(SummaryFilename, recs); err != nil {
		return fmt.Errorf("summary pipeline task %d: %w", task.ID, err)
	}

	if err := p.tasks.CompleteTask(ctx, task.ID, p.now()); err != nil {
		return err
	}
	p.log.Info().Int64("task_id", task.ID).Int("rows", len(recs)).Msg("summary completed")
	return nil
}
