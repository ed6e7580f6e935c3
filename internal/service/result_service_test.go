package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
)

func checkedCopyFor(t *testing.T, h *harness, paperID, studentID, evaluatorID string, obtained float64) string {
	t.Helper()
	id := createCopy(t, h, paperID, studentID, obtained)
	assignCopies(t, h, evaluatorID, id)
	checkCopy(t, h, id, "")
	return id
}

func TestDeclareReplacesResultForSamePair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	first := checkedCopyFor(t, h, "paper-1", "student-1", "eval-1", 20)
	second := checkedCopyFor(t, h, "paper-1", "student-1", "eval-2", 31)

	_, err := h.results.DeclareCopy(ctx, first, "admin-1")
	require.NoError(t, err)
	result, err := h.results.DeclareCopy(ctx, second, "admin-2")
	require.NoError(t, err)

	assert.Equal(t, second, result.EvaluationCopyID)
	assert.Empty(t, result.CheckedTeachers)
	require.NotNil(t, result.UpdatedBy)
	assert.Equal(t, "admin-2", *result.UpdatedBy)
	assert.Equal(t, "admin-1", result.DeclaredBy)
	assert.Equal(t, 31.0, result.SubmissionDetails.ObtainedMarks)

	assert.Equal(t, 1, h.store.declaredCount("paper-1", "student-1"))
	assert.False(t, h.store.copy(t, first).IsResultDeclared)
	assert.True(t, h.store.copy(t, second).IsResultDeclared)
	assert.Len(t, h.store.results, 1)
}

func TestDeclareResultsConcurrentSiblingsKeepOneDeclaredCopy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	ids := []string{
		checkedCopyFor(t, h, "paper-1", "student-1", "eval-1", 10),
		checkedCopyFor(t, h, "paper-1", "student-1", "eval-1", 12),
		checkedCopyFor(t, h, "paper-1", "student-1", "eval-2", 14),
	}

	outcomes, err := h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: ids}, "admin")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Empty(t, outcome.Error)
	}

	require.Equal(t, 1, h.store.declaredCount("paper-1", "student-1"))
	result, err := memResults{h.store}.GetByPaperStudent(ctx, "paper-1", "student-1")
	require.NoError(t, err)
	assert.True(t, h.store.copy(t, result.EvaluationCopyID).IsResultDeclared)
}

func TestDeclareResultsReportsPerItemFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	h.store.addPaper(models.Paper{ID: "essay-1", IsEvaluator: true, PaperType: "essay", TotalMarks: 10})

	good := checkedCopyFor(t, h, "paper-1", "student-1", "eval-1", 30)
	unchecked := createCopy(t, h, "paper-1", "student-2", 30)
	unknownType := createCopy(t, h, "essay-1", "student-3", 5)

	outcomes, err := h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{good, "ghost", unchecked, unknownType, good}}, "admin")
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	byID := make(map[string]dto.DeclareOutcome, len(outcomes))
	for _, outcome := range outcomes {
		byID[outcome.CopyID] = outcome
	}
	require.NotNil(t, byID[good].Result)
	assert.Equal(t, "evaluation copy not found", byID["ghost"].Error)
	assert.Equal(t, "copy has not been checked", byID[unchecked].Error)
	assert.Equal(t, "paper type is not recognised", byID[unknownType].Error)

	snapshot := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.ResultsDeclared)
	assert.Equal(t, uint64(3), snapshot.DeclarationsFailed)
}

func TestDeclareResultsValidatesPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.results.DeclareResults(context.Background(), dto.DeclareResultsRequest{}, "admin")
	require.Error(t, err)
}

func TestRanksAreDense(t *testing.T) {
	h := newHarness(t)
	for student, obtained := range map[string]float64{"s1": 90, "s2": 80, "s3": 80, "s4": 70} {
		h.store.results[pairKey("paper-1", student)] = models.Result{
			ID:                "res-" + student,
			PaperID:           "paper-1",
			StudentID:         student,
			SubmissionDetails: models.SubmissionDetails{ObtainedMarks: obtained, TotalMarks: 100},
		}
	}

	entries, err := h.results.Ranks(context.Background(), "paper-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	got := make([]int, len(entries))
	for i, e := range entries {
		got[i] = e.Rank
	}
	assert.Equal(t, []int{1, 2, 2, 3}, got)
	assert.Equal(t, "s1", entries[0].StudentID)
	assert.Equal(t, "s4", entries[3].StudentID)
	assert.InDelta(t, 0.9, entries[0].Percentage, 1e-9)
}

func TestRanksEmptyPaper(t *testing.T) {
	h := newHarness(t)
	entries, err := h.results.Ranks(context.Background(), "paper-x")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
