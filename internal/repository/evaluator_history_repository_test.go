package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/models"
)

func TestEvaluatorHistoryRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEvaluatorHistoryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evaluator_histories")).WillReturnResult(sqlmock.NewResult(0, 1))
	entry := &models.EvaluatorHistory{Action: models.LedgerAssigned, EvaluatorID: "eval-1", PaperID: "paper-1"}
	require.NoError(t, repo.Create(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluatorHistoryRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEvaluatorHistoryRepository(db)

	paid := false
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND evaluator_id = $1 AND action = ANY($2) AND paid = $3")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $4 OFFSET $5")).
		WillReturnRows(sqlmock.NewRows(columnsOf(evaluatorHistoryColumns)).
			AddRow("h-1", "Submitted", "eval-1", "paper-1", "{c1,c2}", 20.0, 10.0, 0.0, 4.5, nil, false, now))

	entries, total, err := repo.List(context.Background(), models.EvaluatorHistoryFilter{
		EvaluatorID: "eval-1",
		Actions:     []models.LedgerAction{models.LedgerSubmitted},
		Paid:        &paid,
		Limit:       10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, 30.0, entries[0].Net())
	assert.Equal(t, []string{"c1", "c2"}, []string(entries[0].Copies))
	require.NotNil(t, entries[0].Rating)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluatorHistoryRepositoryTotalsAndRating(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEvaluatorHistoryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FILTER (WHERE paid = FALSE)")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "paid"}).AddRow(45.0, 100.0))
	totals, err := repo.Totals(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, 45.0, totals.Pending)
	assert.Equal(t, 100.0, totals.Paid)

	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(AVG(rating), 0)")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"evaluator_id", "average", "count"}).AddRow("eval-1", 4.25, 4))
	rating, err := repo.AverageRating(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, 4.25, rating.Average)
	assert.Equal(t, 4, rating.Count)
}

func TestEvaluatorHistoryRepositoryMarkPaid(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEvaluatorHistoryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE evaluator_id = $1 AND paid = FALSE AND id = ANY($2)")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	marked, err := repo.MarkPaid(context.Background(), "eval-1", []string{"h-1", "h-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	mock.ExpectExec(regexp.QuoteMeta("WHERE evaluator_id = $1 AND paid = FALSE")).
		WithArgs("eval-1").
		WillReturnResult(sqlmock.NewResult(0, 5))
	marked, err = repo.MarkPaid(context.Background(), "eval-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), marked)
	require.NoError(t, mock.ExpectationsWereMet())
}
