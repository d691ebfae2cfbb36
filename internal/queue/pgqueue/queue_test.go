package pgqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"
)

func newQueueWithMocks(t *testing.T) (*Queue, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	master, masterMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	slave, slaveMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	db := &dbpg.DB{Master: master, Slaves: []*sql.DB{slave}}

	return New(db, time.Minute), masterMock, slaveMock
}

func TestPublish_InsertsOnMaster(t *testing.T) {
	q, masterMock, slaveMock := newQueueWithMocks(t)

	// The insert returns the new id; routed to a slave it would fail
	// and the task would never be enqueued.
	masterMock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+task_queue\s*\(payload\)\s*VALUES\s*\(\$1\)\s*RETURNING\s+id`).
		WithArgs([]byte(`{"image_id":"a"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := q.Publish(context.Background(), []byte(`{"image_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	require.NoError(t, masterMock.ExpectationsWereMet())
	require.NoError(t, slaveMock.ExpectationsWereMet())
}

func TestPull_ClaimsEligibleRows(t *testing.T) {
	q, masterMock, _ := newQueueWithMocks(t)

	rows := sqlmock.NewRows([]string{"id", "payload", "attempts"}).
		AddRow(int64(1), []byte("a"), 1).
		AddRow(int64(2), []byte("b"), 3)

	masterMock.ExpectQuery(`(?s)^\s*UPDATE\s+task_queue\s+SET\s+attempts\s*=\s*attempts\s*\+\s*1,.*FOR\s+UPDATE\s+SKIP\s+LOCKED.*RETURNING\s+id,\s*payload,\s*attempts`).
		WithArgs(float64(60), 5).
		WillReturnRows(rows)

	deliveries, err := q.Pull(context.Background(), 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	assert.Equal(t, "1", deliveries[0].MessageID())
	assert.Equal(t, []byte("a"), deliveries[0].Payload())
	assert.Equal(t, 1, deliveries[0].Attempt())
	assert.Equal(t, 3, deliveries[1].Attempt())
}

func TestAck_DeletesRow(t *testing.T) {
	q, masterMock, _ := newQueueWithMocks(t)

	masterMock.ExpectQuery(`UPDATE\s+task_queue`).
		WithArgs(float64(60), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "attempts"}).AddRow(int64(9), []byte("a"), 1))

	deliveries, err := q.Pull(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	masterMock.ExpectExec(`DELETE\s+FROM\s+task_queue\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Ack(context.Background(), deliveries[0]))
	require.NoError(t, masterMock.ExpectationsWereMet())
}

func TestNack_ClearsLease(t *testing.T) {
	q, masterMock, _ := newQueueWithMocks(t)

	masterMock.ExpectQuery(`UPDATE\s+task_queue`).
		WithArgs(float64(60), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "attempts"}).AddRow(int64(9), []byte("a"), 2))

	deliveries, err := q.Pull(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	masterMock.ExpectExec(`UPDATE\s+task_queue\s+SET\s+leased_until\s*=\s*NULL\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Nack(context.Background(), deliveries[0]))
	require.NoError(t, masterMock.ExpectationsWereMet())
}
