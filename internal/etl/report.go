package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintrack/reportd/internal/csvsink"
	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/store"
)

// Layouts for rendered report fields.
const (
	rowTimeLayout  = "02/01/2006 15:04:05"
	fileTimeLayout = "20060102_150405"
)

// ReportRow is one rendered line of the per-transaction report.
type ReportRow struct {
	PayerName       string
	PayerEmail      string
	MerchantEmail   string
	Amount          string
	Currency        string
	TransactionDate string
}

var reportHeader = []string{"payerName", "payerEmail", "merchantEmail", "amount", "currency", "transactionDate"}

func (r *ReportRow) Header() []string { return reportHeader }

func (r *ReportRow) Row() []string {
	return []string{r.PayerName, r.PayerEmail, r.MerchantEmail, r.Amount, r.Currency, r.TransactionDate}
}

// ReportPipeline generates one subscriber's per-transaction CSV for the day,
// in chunks.
type ReportPipeline struct {
	tasks     store.TaskStore
	txns      store.TransactionStore
	sink      *csvsink.Sink
	chunkSize int
	now       func() time.Time
	log       zerolog.Logger
}

var _ Pipeline = (*ReportPipeline)(nil)

func NewReportPipeline(tasks store.TaskStore, txns store.TransactionStore, sink *csvsink.Sink, chunkSize int, log zerolog.Logger) *ReportPipeline {
	return &ReportPipeline{
		tasks:     tasks,
		txns:      txns,
		sink:      sink,
		chunkSize: chunkSize,
		now:       time.Now,
		log:       log,
	}
}

func (p *ReportPipeline) Run(ctx context.Context, params Params) error {
	task, err := p.tasks.TaskByID(ctx, params.TaskID)
	if err != nil {
		return err
	}
	exec := &Execution{Params: params, StartedAt: p.now()}
	log := p.log.With().Int64("task_id", task.ID).Str("reference", task.Reference).Logger()

	reader := &transactionReader{txns: p.txns, email: task.SubscriberEmail, date: exec.StartedAt}
	processor := rowProcessor{}
	writer := &csvWriter{sink: p.sink, now: p.now}

	if err := runChunks(ctx, exec, reader, processor, writer, p.chunkSize); err != nil {
		return fmt.Errorf("report pipeline task %d: %w", task.ID, err)
	}
	if err := p.tasks.CompleteTask(ctx, task.ID, p.now()); err != nil {
		return err
	}
	log.Info().Str("file", exec.filename).Msg("report completed")
	return nil
}

// transactionReader lazily pulls one subscriber's transactions for the day.
// It is single-pass and owned by exactly one execution.
type transactionReader struct {
	txns  store.TransactionStore
	email string
	date  time.Time
	iter  store.TransactionIterator
}

func (r *transactionReader) Open(ctx context.Context, _ *Execution) error {
	iter, err := r.txns.TransactionsForDay(ctx, r.email, r.date)
	if err != nil {
		return err
	}
	r.iter = iter
	return nil
}

func (r *transactionReader) Read(ctx context.Context) (*model.Transaction, error) {
	return r.iter.Next(ctx)
}

func (r *transactionReader) Close() error {
	if r.iter == nil {
		return nil
	}
	return r.iter.Close()
}

// rowProcessor renders one raw transaction for display. Nil input is
// dropped.
type rowProcessor struct{}

func (rowProcessor) Process(_ context.Context, tx *model.Transaction) (*ReportRow, error) {
	if tx == nil {
		return nil, nil
	}
	return &ReportRow{
		PayerName:       tx.PayerName,
		PayerEmail:      tx.PayerEmail,
		MerchantEmail:   tx.MerchantEmail,
		Amount:          tx.Amount.StringFixed(2),
		Currency:        tx.Currency,
		TransactionDate: tx.OccurredAt.Format(rowTimeLayout),
	}, nil
}

// csvWriter appends batches to the report file. The filename is derived on
// the first batch and cached on the execution, never on the writer itself.
type csvWriter struct {
	sink *csvsink.Sink
	now  func() time.Time
}

func (w *csvWriter) Write(_ context.Context, exec *Execution, rows []*ReportRow) error {
	if exec.filename == "" {
		exec.filename = reportFilename(exec.MerchantEmail, w.now())
	}
	recs := make([]csvsink.Record, len(rows))
	for i, r := range rows {
		recs[i] = r
	}
	return w.sink.Write(exec.filename, recs)
}

// reportFilename is "<local part of the merchant email>_<yyyyMMdd_HHmmss>.csv".
func reportFilename(merchantEmail string, at time.Time) string {
	local, _, _ := strings.Cut(merchantEmail, "@")
	return fmt.Sprintf("%s_%s.csv", local, at.Format(fileTimeLayout))
}
