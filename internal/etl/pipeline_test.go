package etl

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fintrack/reportd/internal/model"
)

type stubReader struct {
	items  []*model.Transaction
	pos    int
	opened bool
	closed bool
}

func (r *stubReader) Open(context.Context, *Execution) error { r.opened = true; return nil }

func (r *stubReader) Read(context.Context) (*model.Transaction, error) {
	if r.pos >= len(r.items) {
		return nil, nil
	}
	item := r.items[r.pos]
	r.pos++
	return item, nil
}

func (r *stubReader) Close() error { r.closed = true; return nil }

type batchWriter struct {
	batches [][]*ReportRow
	err     error
}

func (w *batchWriter) Write(_ context.Context, _ *Execution, rows []*ReportRow) error {
	if w.err != nil {
		return w.err
	}
	batch := make([]*ReportRow, len(rows))
	copy(batch, rows)
	w.batches = append(w.batches, batch)
	return nil
}

func transactions(n int) []*model.Transaction {
	items := make([]*model.Transaction, n)
	for i := range items {
		items[i] = &model.Transaction{
			ID:            int64(i + 1),
			MerchantEmail: "a@b.com",
			Amount:        decimal.New(int64(i+1), 0),
			Currency:      "USD",
		}
	}
	return items
}

func TestRunChunksBatchesAtChunkSize(t *testing.T) {
	reader := &stubReader{items: transactions(25)}
	writer := &batchWriter{}
	exec := &Execution{}

	require.NoError(t, runChunks(context.Background(), exec, reader, rowProcessor{}, writer, 10))

	require.True(t, reader.opened)
	require.True(t, reader.closed)
	require.Len(t, writer.batches, 3)
	require.Len(t, writer.batches[0], 10)
	require.Len(t, writer.batches[1], 10)
	require.Len(t, writer.batches[2], 5)
}

func TestRunChunksEmptyInputWritesNothing(t *testing.T) {
	reader := &stubReader{}
	writer := &batchWriter{}

	require.NoError(t, runChunks(context.Background(), &Execution{}, reader, rowProcessor{}, writer, 10))
	require.Empty(t, writer.batches)
}

func TestRunChunksDropsNilItems(t *testing.T) {
	items := transactions(3)
	items = append(items, nil)
	reader := &stubReader{items: items}
	writer := &batchWriter{}

	require.NoError(t, runChunks(context.Background(), &Execution{}, reader, rowProcessor{}, writer, 10))
	require.Len(t, writer.batches, 1)
	require.Len(t, writer.batches[0], 3)
}

func TestRunChunksStopsAtFailedBatch(t *testing.T) {
	reader := &stubReader{items: transactions(5)}
	writer := &batchWriter{err: errors.New("disk full")}

	err := runChunks(context.Background(), &Execution{}, reader, rowProcessor{}, writer, 10)
	require.Error(t, err)
	require.True(t, reader.closed)
}
