package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

const sampleMatch = `ORDER BY v.last_modified_txid DESC`

func newTestSizer(t *testing.T, maxMessageSize int) (*BatchSizer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stream := ordersStream
	stream.Columns = []string{"name"}
	return NewBatchSizer(db, stream.Ledger(), stream.Projection(), maxMessageSize, WithSampleSize(3)), mock
}

func TestBatchSizerFromSample(t *testing.T) {
	bs, mock := newTestSizer(t, 4096)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT t."name"`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("abcdefghij").
			AddRow([]byte("abcdefghij")))

	if err := bs.updateBatchSize(context.Background()); err != nil {
		t.Fatal(err)
	}
	// {"name":"abcdefghij"} is 21 bytes, 25.2 with the buffer
	if got := bs.GetBatchSize(); got != 162 {
		t.Errorf("batch size = %d, want 162", got)
	}
	metrics := bs.GetMetrics()
	if metrics.LastSampleSize != 2 || metrics.AvgRowSize != 21 {
		t.Errorf("unexpected metrics %+v", metrics)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBatchSizerClamps(t *testing.T) {
	bs, mock := newTestSizer(t, 100)
	mock.ExpectQuery(regexp.QuoteMeta(sampleMatch)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("abcdefghij"))
	if err := bs.updateBatchSize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := bs.GetBatchSize(); got != minBatchSize {
		t.Errorf("batch size = %d, want %d", got, minBatchSize)
	}

	bs, mock = newTestSizer(t, 1<<30)
	mock.ExpectQuery(regexp.QuoteMeta(sampleMatch)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("abcdefghij"))
	if err := bs.updateBatchSize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := bs.GetBatchSize(); got != maxBatchSize {
		t.Errorf("batch size = %d, want %d", got, maxBatchSize)
	}
}

func TestBatchSizerFallsBackToDefault(t *testing.T) {
	bs, mock := newTestSizer(t, 4096)
	mock.ExpectQuery(regexp.QuoteMeta(sampleMatch)).WillReturnError(errors.New("permission denied"))
	if err := bs.updateBatchSize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := bs.GetBatchSize(); got != defaultBatchSize {
		t.Errorf("batch size = %d, want %d", got, defaultBatchSize)
	}

	mock.ExpectQuery(regexp.QuoteMeta(sampleMatch)).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if err := bs.updateBatchSize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := bs.GetBatchSize(); got != defaultBatchSize {
		t.Errorf("batch size = %d, want %d", got, defaultBatchSize)
	}
}
