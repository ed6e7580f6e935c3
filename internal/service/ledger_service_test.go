package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

func TestSubmissionPayoutTiers(t *testing.T) {
	cases := []struct {
		total  float64
		amount float64
		bonus  float64
	}{
		{0, 10, 5},
		{25, 10, 5},
		{26, 18, 7},
		{50, 18, 7},
		{51, 30, 10},
		{80, 30, 10},
		{81, 35, 15},
		{200, 35, 15},
	}
	for _, tc := range cases {
		amount, bonus := SubmissionPayout(tc.total)
		assert.Equal(t, tc.amount, amount, "amount for %v", tc.total)
		assert.Equal(t, tc.bonus, bonus, "bonus for %v", tc.total)
	}
}

func newTestLedger(store *memoryStore) *LedgerService {
	clock := newTestClock()
	return NewLedgerService(memLedger{store}, nil, nil, LedgerConfig{RecheckPenalty: 3, ReviewPayout: 4}, WithLedgerClock(clock.Now))
}

func ledgerCopies(paperTotals map[string][]float64) []models.EvaluationCopy {
	var out []models.EvaluationCopy
	for paperID, totals := range paperTotals {
		for i, total := range totals {
			out = append(out, models.EvaluationCopy{
				ID:                paperID + "-c" + string(rune('a'+i)),
				PaperID:           paperID,
				SubmissionDetails: models.SubmissionDetails{TotalMarks: total},
			})
		}
	}
	return out
}

func TestSubmissionEntriesGroupByPaper(t *testing.T) {
	svc := newTestLedger(newMemoryStore())
	rating := 4.5
	entries := svc.SubmissionEntries("eval-1", ledgerCopies(map[string][]float64{
		"paper-a": {20, 60},
		"paper-b": {100},
	}), &rating)

	require.Len(t, entries, 2)
	assert.Equal(t, "paper-a", entries[0].PaperID)
	assert.Equal(t, 40.0, entries[0].Amount)
	assert.Equal(t, 15.0, entries[0].Bonus)
	assert.Len(t, entries[0].Copies, 2)
	assert.Equal(t, "paper-b", entries[1].PaperID)
	assert.Equal(t, 35.0, entries[1].Amount)
	require.NotNil(t, entries[1].Rating)
	assert.Equal(t, 4.5, *entries[1].Rating)
}

func TestEntriesPriceReviewActions(t *testing.T) {
	svc := newTestLedger(newMemoryStore())
	copies := ledgerCopies(map[string][]float64{"paper-a": {10, 10}})

	reviewed := svc.Entries(models.LedgerReviewed, "rev-1", copies, "")
	require.Len(t, reviewed, 1)
	assert.Equal(t, 8.0, reviewed[0].Amount)
	assert.Nil(t, reviewed[0].Reason)

	recheck := svc.Entries(models.LedgerRecheck, "eval-1", copies, "redo")
	require.Len(t, recheck, 1)
	assert.Equal(t, 6.0, recheck[0].Penalty)
	assert.Equal(t, -6.0, recheck[0].Net())
	require.NotNil(t, recheck[0].Reason)
	assert.Equal(t, "redo", *recheck[0].Reason)

	assert.Empty(t, svc.Entries(models.LedgerAssigned, "eval-1", nil, ""))
}

type failingLedgerStore struct {
	memLedger
	failPaper string
}

func (f failingLedgerStore) Create(ctx context.Context, e *models.EvaluatorHistory) error {
	if e.PaperID == f.failPaper {
		return errors.New("insert failed")
	}
	return f.memLedger.Create(ctx, e)
}

func TestRecordIsolatesFailures(t *testing.T) {
	store := newMemoryStore()
	svc := NewLedgerService(failingLedgerStore{memLedger: memLedger{store}, failPaper: "paper-a"}, nil, nil, LedgerConfig{})
	entries := svc.Entries(models.LedgerAssigned, "eval-1", ledgerCopies(map[string][]float64{
		"paper-a": {10},
		"paper-b": {10},
	}), "")

	written := svc.Record(context.Background(), entries...)
	assert.Equal(t, 1, written)
	require.Len(t, store.ledger, 1)
	assert.Equal(t, "paper-b", store.ledger[0].PaperID)
}

func TestRatingDefaultsAndAverages(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := newTestLedger(store)

	rating, err := svc.Rating(ctx, "eval-1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, rating.Rating)
	assert.Zero(t, rating.RatedCount)

	four, three := 4.0, 3.0
	store.ledger = []models.EvaluatorHistory{
		{ID: "1", Action: models.LedgerSubmitted, EvaluatorID: "eval-1", Rating: &four},
		{ID: "2", Action: models.LedgerSubmitted, EvaluatorID: "eval-1", Rating: &three},
		{ID: "3", Action: models.LedgerSubmitted, EvaluatorID: "eval-1"},
		{ID: "4", Action: models.LedgerReviewed, EvaluatorID: "eval-1", Rating: &three},
	}
	rating, err = svc.Rating(ctx, "eval-1")
	require.NoError(t, err)
	assert.Equal(t, 3.5, rating.Rating)
	assert.Equal(t, 2, rating.RatedCount)
}

func TestMarkPaidSettlesWallet(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := newTestLedger(store)
	store.ledger = []models.EvaluatorHistory{
		{ID: "1", Action: models.LedgerSubmitted, EvaluatorID: "eval-1", Amount: 10, Bonus: 5},
		{ID: "2", Action: models.LedgerSubmitted, EvaluatorID: "eval-1", Amount: 18, Bonus: 7},
		{ID: "3", Action: models.LedgerRecheck, EvaluatorID: "eval-1", Penalty: 3},
	}

	resp, err := svc.MarkPaid(ctx, "eval-1", dto.PayoutRequest{EntryIDs: []string{"1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Marked)
	assert.Equal(t, 15.0, resp.Wallet.Paid)
	assert.Equal(t, 22.0, resp.Wallet.Pending)

	resp, err = svc.MarkPaid(ctx, "eval-1", dto.PayoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Marked)
	assert.Equal(t, 37.0, resp.Wallet.Total)
	assert.Zero(t, resp.Wallet.Pending)
}

func TestStatementRendersCSV(t *testing.T) {
	store := newMemoryStore()
	svc := newTestLedger(store)
	store.ledger = []models.EvaluatorHistory{
		{ID: "1", Action: models.LedgerSubmitted, EvaluatorID: "eval-1", PaperID: "paper-a", Copies: []string{"c1"}, Amount: 10, Bonus: 5, CreatedAt: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)},
	}

	statement, err := svc.Statement(context.Background(), "eval-1", dto.StatementQuery{})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", statement.ContentType)
	assert.Equal(t, "statement-eval-1-20240301.csv", statement.Filename)
	body := string(statement.Body)
	assert.True(t, strings.HasPrefix(body, "Date,Action,Paper,Copies,Amount,Bonus,Penalty,Net,Paid"))
	assert.Contains(t, body, "2024-02-01 10:00,Submitted,paper-a,1,10.00,5.00,0.00,15.00,false")
	assert.Contains(t, body, "Total,15.00")
}

func TestStatementRejectsUnknownFormat(t *testing.T) {
	svc := newTestLedger(newMemoryStore())
	_, err := svc.Statement(context.Background(), "eval-1", dto.StatementQuery{Format: "xlsx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}
