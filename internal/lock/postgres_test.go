package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newPGLocker(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Postgres{DB: db, PollInterval: time.Millisecond}, mock
}

func boolRow(v bool, col string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{col}).AddRow(v)
}

func TestPostgresAcquireRelease(t *testing.T) {
	l, mock := newPGLocker(t)
	id := advisoryKey("recs:refresh:A")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock($1)`)).WithArgs(id).
		WillReturnRows(boolRow(true, "pg_try_advisory_lock"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_advisory_unlock($1)`)).WithArgs(id).
		WillReturnRows(boolRow(true, "pg_advisory_unlock"))

	lease, err := l.TryAcquire(context.Background(), "recs:refresh:A", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeldElsewhereIsDenied(t *testing.T) {
	l, mock := newPGLocker(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock($1)`)).
		WillReturnRows(boolRow(false, "pg_try_advisory_lock"))

	_, err := l.TryAcquire(context.Background(), "recs:refresh:B", 0)
	require.ErrorIs(t, err, ErrNotAcquired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRetriesUntilFree(t *testing.T) {
	l, mock := newPGLocker(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock($1)`)).
		WillReturnRows(boolRow(false, "pg_try_advisory_lock"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock($1)`)).
		WillReturnRows(boolRow(true, "pg_try_advisory_lock"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_advisory_unlock($1)`)).
		WillReturnRows(boolRow(true, "pg_advisory_unlock"))

	lease, err := l.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryErrorSurfaces(t *testing.T) {
	l, mock := newPGLocker(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock($1)`)).
		WillReturnError(errors.New("relation does not exist"))

	_, err := l.TryAcquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotAcquired)
}

func TestAdvisoryKeyStable(t *testing.T) {
	require.Equal(t, advisoryKey("recs:refresh:A"), advisoryKey("recs:refresh:A"))
	require.NotEqual(t, advisoryKey("recs:refresh:A"), advisoryKey("recs:refresh:B"))
}

func TestOpenPostgresSizesPool(t *testing.T) {
	l, err := OpenPostgres("postgres://recs@localhost:5432/recs", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.Equal(t, 3, l.DB.Stats().MaxOpenConnections)
}
