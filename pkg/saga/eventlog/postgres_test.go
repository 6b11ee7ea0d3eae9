// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// newMockPostgresLog creates a PostgresEventLog with a mock database.
func newMockPostgresLog(t *testing.T) (*PostgresEventLog, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	log := NewPostgresEventLogWithDB(db, "")
	t.Cleanup(func() {
		mock.ExpectClose()
		assert.NoError(t, log.Close())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return log, mock
}

func TestPostgresEventLog_EnsureSchema(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS domain_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_domain_events_transaction ON domain_events`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, log.EnsureSchema(context.Background()))
}

func TestPostgresEventLog_EnsureSchemaError(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	err := log.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestPostgresEventLog_Append(t *testing.T) {
	log, mock := newMockPostgresLog(t)
	e := testEvent("tx-1", 1, saga.EventOperationStarted)

	mock.ExpectExec(`INSERT INTO domain_events .* WHERE NOT EXISTS`).
		WithArgs(e.ID, e.AggregateID, e.AggregateType, string(e.Type), e.Version, "tx-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, log.Append(context.Background(), e))
}

func TestPostgresEventLog_AppendStaleVersion(t *testing.T) {
	log, mock := newMockPostgresLog(t)
	e := testEvent("tx-1", 2, saga.EventOperationStarted)

	mock.ExpectExec(`INSERT INTO domain_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(version\) FROM domain_events WHERE aggregate_id = \$1`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(5)))

	err := log.Append(context.Background(), e)
	require.ErrorIs(t, err, saga.ErrVersionConflict)
	assert.Contains(t, err.Error(), "does not follow 5")
}

func TestPostgresEventLog_AppendUniqueViolation(t *testing.T) {
	log, mock := newMockPostgresLog(t)
	e := testEvent("tx-1", 1, saga.EventOperationStarted)

	mock.ExpectExec(`INSERT INTO domain_events`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	assert.ErrorIs(t, log.Append(context.Background(), e), saga.ErrVersionConflict)
}

func TestPostgresEventLog_AppendDatabaseError(t *testing.T) {
	log, mock := newMockPostgresLog(t)
	e := testEvent("tx-1", 1, saga.EventOperationStarted)

	mock.ExpectExec(`INSERT INTO domain_events`).WillReturnError(errors.New("connection refused"))

	err := log.Append(context.Background(), e)
	require.Error(t, err)
	assert.NotErrorIs(t, err, saga.ErrVersionConflict)
}

func TestPostgresEventLog_GetStream(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	first, err := MarshalEvent(testEvent("tx-1", 2, saga.EventOperationStarted))
	require.NoError(t, err)
	second, err := MarshalEvent(testEvent("tx-1", 3, saga.EventOperationCompleted))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT payload FROM domain_events WHERE aggregate_id = \$1 AND version >= \$2 ORDER BY version ASC`).
		WithArgs("tx-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(first).AddRow(second))

	events, err := log.GetStream(context.Background(), "tx-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, saga.EventOperationCompleted, events[1].Type)
	assert.Equal(t, int64(3), events[1].Version)
}

func TestPostgresEventLog_GetStreamBadPayload(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery(`SELECT payload FROM domain_events`).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("not json")))

	_, err := log.GetStream(context.Background(), "tx-1", 0)
	assert.Error(t, err)
}

func TestPostgresConfig_Validate(t *testing.T) {
	cfg := DefaultPostgresConfig()
	assert.Error(t, cfg.Validate())

	cfg.DSN = "postgres://localhost/txcoord"
	assert.NoError(t, cfg.Validate())

	cfg.Table = "events; DROP TABLE users"
	assert.Error(t, cfg.Validate())

	cfg.Table = "audit.domain_events"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "audit_domain_events", indexSuffix(cfg.Table))
}

func TestPostgresEventLog_LastVersion(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery(`SELECT MAX\(version\) FROM domain_events WHERE aggregate_id = \$1`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(7))
	mock.ExpectQuery(`SELECT MAX\(version\) FROM domain_events`).
		WithArgs("tx-none").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	v, err := log.LastVersion(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = log.LastVersion(context.Background(), "tx-none")
	require.NoError(t, err)
	assert.Zero(t, v)
}
