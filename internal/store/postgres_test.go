package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{DB: db}, mock
}

func TestWriteBatchCommitsAllRows(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO clients`)).
		WithArgs("A").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO recommendation_batches`)).
		WithArgs(sqlmock.AnyArg(), "A", created, sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO recommendation_items`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO producer_raw_snapshots`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := s.WriteBatch(context.Background(), BatchInput{
		ClientID:    "A",
		CreatedAt:   created,
		SummaryNote: "weekly",
		Items: []ItemInput{
			{Kind: "restock", Message: "Restock SKU-1", SubjectRef: "SKU-1", Priority: 1},
			{Kind: "restock", Message: "Restock SKU-2", Priority: 2},
			{Kind: "price", Message: "Lower price of SKU-3", SubjectRef: "SKU-3", Priority: 3},
		},
		PayloadJSON: []byte(`{"items":[]}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	require.Equal(t, 3, b.ItemCount)
	require.Equal(t, created, b.CreatedAt)
	require.NotNil(t, b.SummaryNote)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRollsBackOnItemFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO clients`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO recommendation_batches`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO recommendation_items`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO recommendation_items`)).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.WriteBatch(context.Background(), BatchInput{
		ClientID: "A",
		Items: []ItemInput{
			{Kind: "restock", Message: "one"},
			{Kind: "restock", Message: "two"},
		},
	})
	require.ErrorContains(t, err, "insert item 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRejectsEmptyClient(t *testing.T) {
	s, mock := newMockStore(t)
	_, err := s.WriteBatch(context.Background(), BatchInput{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestBatch(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "client_id", "created_at", "analysis_timestamp", "item_count", "summary_note"}).
		AddRow("b-1", "A", created, nil, 3, "note")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM recommendation_batches`)).WithArgs("A").WillReturnRows(rows)

	b, err := s.LatestBatch(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "b-1", b.ID)
	require.Equal(t, 3, b.ItemCount)
	require.Nil(t, b.AnalysisTimestamp)
	require.Equal(t, "note", *b.SummaryNote)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestBatchAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM recommendation_batches`)).WithArgs("Z").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "created_at", "analysis_timestamp", "item_count", "summary_note"}))

	b, err := s.LatestBatch(context.Background(), "Z")
	require.NoError(t, err)
	require.Nil(t, b)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClientIDs(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM clients WHERE id > $1`)).
		WithArgs("B", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("C").AddRow("D"))

	ids, err := s.ListClientIDs(context.Background(), "B", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"C", "D"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchItems(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM recommendation_items`)).WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "batch_id", "kind", "message", "subject_ref", "priority"}).
			AddRow("i-1", "b-1", "restock", "Restock SKU-1", "SKU-1", 1).
			AddRow("i-2", "b-1", "note", "General advice", nil, 5))

	items, err := s.BatchItems(context.Background(), "b-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "SKU-1", *items[0].SubjectRef)
	require.Nil(t, items[1].SubjectRef)
	require.Equal(t, 5, items[1].Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}
