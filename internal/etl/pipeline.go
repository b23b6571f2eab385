// Package etl contains the report pipelines: a chunked
// reader/processor/writer for per-transaction reports and a single-shot
// variant for merchant summaries.
package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/fintrack/reportd/internal/model"
)

// DefaultChunkSize is the number of records read, processed and written as
// one atomic unit.
const DefaultChunkSize = 10

// Params identifies one pipeline invocation. Nonce distinguishes retries of
// the same task from each other.
type Params struct {
	TaskID        int64
	MerchantEmail string
	Nonce         int64
}

// Execution is the per-run state of one pipeline invocation. Anything a
// stage caches for the duration of a run, like the writer's derived
// filename, lives here so it can never leak across concurrent executions.
type Execution struct {
	Params
	StartedAt time.Time

	filename string
}

// Pipeline runs one task's report generation synchronously.
type Pipeline interface {
	Run(ctx context.Context, params Params) error
}

// Reader produces raw transactions one at a time. Open runs before the
// first Read.
type Reader interface {
	Open(ctx context.Context, exec *Execution) error
	// Read returns the next item, or (nil, nil) once the input is exhausted.
	Read(ctx context.Context) (*model.Transaction, error)
	Close() error
}

// Processor transforms one raw item into its output row. Returning
// (nil, nil) drops the item.
type Processor interface {
	Process(ctx context.Context, item *model.Transaction) (*ReportRow, error)
}

// Writer receives processed rows in chunk-sized batches.
type Writer interface {
	Write(ctx context.Context, exec *Execution, rows []*ReportRow) error
}

// runChunks drives read→process→write in batches of chunkSize. One batch is
// the unit of failure: an error aborts at the batch boundary and the whole
// run is retried from scratch on redelivery.
func runChunks(ctx context.Context, exec *Execution, r Reader, p Processor, w Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := r.Open(ctx, exec); err != nil {
		return fmt.Errorf("open reader: %w", err)
	}
	defer r.Close()

	for {
		rows := make([]*ReportRow, 0, chunkSize)
		exhausted := false
		for len(rows) < chunkSize {
			item, err := r.Read(ctx)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if item == nil {
				exhausted = true
				break
			}
			row, err := p.Process(ctx, item)
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			if row == nil {
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) > 0 {
			if err := w.Write(ctx, exec, rows); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if exhausted {
			return nil
		}
	}
}
