package testutils

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// SetupMockDB returns a sqlmock-backed *sql.DB. Unmet expectations fail the
// test during cleanup. opts are sqlmock options (e.g. sqlmock.MonitorPingsOption);
// sqlmock does not export a name for its option type, so they are accepted as
// any and forwarded to sqlmock.New.
func SetupMockDB(t *testing.T, opts ...any) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := newMock(sqlmock.New, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})

	return db, mock
}

// newMock infers sqlmock's unexported option type O from newFn and converts opts to it.
func newMock[O any](newFn func(...O) (*sql.DB, sqlmock.Sqlmock, error), opts []any) (*sql.DB, sqlmock.Sqlmock, error) {
	typed := make([]O, 0, len(opts))
	for i, o := range opts {
		opt, ok := o.(O)
		if !ok {
			return nil, nil, fmt.Errorf("option %d has type %T, not a sqlmock option", i, o)
		}
		typed = append(typed, opt)
	}
	return newFn(typed...)
}
