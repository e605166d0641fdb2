package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCommitsEveryN(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := db.NewBatch(2)

	for i := int64(1); i <= 3; i++ {
		a := makeActivity(i, "ride", day("2024-01-01"))
		err := b.Do(ctx, func(w *Writer) error {
			_, err := w.InsertActivity(ctx, &a)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.Committed())
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Flush())
	assert.Equal(t, 3, b.Committed())

	count, err := db.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestBatchRollsBackOpenTransactionOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := db.NewBatch(5)

	a := makeActivity(1, "ride", day("2024-01-01"))
	require.NoError(t, b.Do(ctx, func(w *Writer) error {
		_, err := w.InsertActivity(ctx, &a)
		return err
	}))

	boom := errors.New("boom")
	err := b.Do(ctx, func(w *Writer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.Pending())

	count, err := db.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "uncommitted work from the failed batch is discarded")

	// next unit opens a fresh transaction
	a2 := makeActivity(2, "ride", day("2024-01-02"))
	require.NoError(t, b.Do(ctx, func(w *Writer) error {
		_, err := w.InsertActivity(ctx, &a2)
		return err
	}))
	require.NoError(t, b.Flush())

	count, err = db.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBatchWriteFailureRollsBack(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE activities SET").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	b := newBatch(sqlDB, 5)
	err = b.Do(context.Background(), func(w *Writer) error {
		return w.UpdateActivityPower(context.Background(), 7, ActivityPower{NormalizedPower: 200})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activity 7")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchCommitFailureIsReported(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE training_load").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	b := newBatch(sqlDB, 1)
	err = b.Do(context.Background(), func(w *Writer) error {
		_, err := w.UpsertTrainingLoad(context.Background(), &TrainingLoad{Date: day("2024-01-01")})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing 1 records")
	assert.Equal(t, 0, b.Committed())
	assert.NoError(t, mock.ExpectationsWereMet())
}
