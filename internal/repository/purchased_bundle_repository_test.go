package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/models"
)

func TestPurchasedBundleRepositoryGetByBuyerPaper(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPurchasedBundleRepository(db)

	rows := sqlmock.NewRows(columnsOf(purchasedBundlePaperColumns)).AddRow(
		"pb-1", "bundle-1", "student-1", "paper-1", "rejected", nil,
		[]byte(`[{"copy_id":"copy-1","reason":"blurry","status":"rejected","rejected_at":"2024-05-01T08:00:00Z"}]`),
		time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE buyer_id = $1 AND paper_id = $2")).
		WithArgs("student-1", "paper-1").
		WillReturnRows(rows)

	paper, err := repo.GetByBuyerPaper(context.Background(), "student-1", "paper-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaperStatusRejected, paper.Status)
	assert.Nil(t, paper.ResultDetails)
	require.Len(t, paper.Rejections, 1)
	assert.Equal(t, "blurry", paper.Rejections[0].Reason)
}

func TestPurchasedBundleRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPurchasedBundleRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE purchased_bundle_papers SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Update(context.Background(), &models.PurchasedBundlePaper{ID: "pb-1", Status: models.PaperStatusEvaluating}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE purchased_bundle_papers SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Update(context.Background(), &models.PurchasedBundlePaper{ID: "pb-9"})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
