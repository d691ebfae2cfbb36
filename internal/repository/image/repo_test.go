package image

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/pixelforge/thumbnailer/internal/model"
)

// newRepoWithMocks wires the repository to one mocked master and one
// mocked slave so tests can observe which node a statement runs on.
func newRepoWithMocks(t *testing.T) (*Repository, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	master, masterMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	slave, slaveMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	db := &dbpg.DB{Master: master, Slaves: []*sql.DB{slave}}

	return NewRepository(db), masterMock, slaveMock
}

func TestGet_ReadsFromMaster(t *testing.T) {
	repo, masterMock, slaveMock := newRepoWithMocks(t)

	id := uuid.New()
	uploadedAt := time.Now().UTC()

	// A worker looks the row up right after the producer commits it; a
	// lagging slave would report the row missing and the task would be
	// dropped. The read must therefore go to the master.
	rows := sqlmock.NewRows([]string{
		"original_filename", "original_path", "size_bytes", "status", "uploaded_at", "processed_at", "error_message",
	}).AddRow("cat.jpg", "original/"+id.String()+".jpg", int64(11), "uploaded", uploadedAt, nil, nil)

	masterMock.ExpectQuery(`(?s)^\s*SELECT\s+original_filename,.*FROM\s+images\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(id).
		WillReturnRows(rows)

	img, err := repo.Get(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, img.ID)
	assert.Equal(t, "cat.jpg", img.OriginalFilename)
	assert.Equal(t, model.StatusUploaded, img.Status)
	assert.Nil(t, img.ProcessedAt)
	assert.Empty(t, img.ErrorMessage)

	require.NoError(t, masterMock.ExpectationsWereMet())
	require.NoError(t, slaveMock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, masterMock, _ := newRepoWithMocks(t)

	id := uuid.New()

	masterMock.ExpectQuery(`(?s)^\s*SELECT\s+original_filename,.*FROM\s+images`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestMarkProcessing_ClearsErrorMessage(t *testing.T) {
	repo, masterMock, _ := newRepoWithMocks(t)

	id := uuid.New()

	// A retried image must not show processing alongside the previous
	// attempt's failure reason.
	masterMock.ExpectExec(`(?s)^\s*UPDATE\s+images\s+SET\s+status\s*=\s*\$1,\s*error_message\s*=\s*NULL\s+WHERE\s+id\s*=\s*\$2`).
		WithArgs("processing", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessing(context.Background(), id))
	require.NoError(t, masterMock.ExpectationsWereMet())
}

func TestMarkCompleted_KeepsFirstProcessedAt(t *testing.T) {
	repo, masterMock, _ := newRepoWithMocks(t)

	id := uuid.New()

	masterMock.ExpectExec(`(?s)^\s*UPDATE\s+images\s+SET\s+status\s*=\s*\$1,\s*processed_at\s*=\s*COALESCE\(processed_at,\s*now\(\)\),\s*error_message\s*=\s*NULL\s+WHERE\s+id\s*=\s*\$2`).
		WithArgs("completed", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkCompleted(context.Background(), id))
	require.NoError(t, masterMock.ExpectationsWereMet())
}

func TestMarkFailed_MissingRow(t *testing.T) {
	repo, masterMock, _ := newRepoWithMocks(t)

	id := uuid.New()

	masterMock.ExpectExec(`(?s)^\s*UPDATE\s+images\s+SET\s+status\s*=\s*\$1,\s*processed_at\s*=\s*COALESCE`).
		WithArgs("failed", id, "resize exploded").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkFailed(context.Background(), id, "resize exploded")
	assert.ErrorIs(t, err, ErrImageNotFound)
}
