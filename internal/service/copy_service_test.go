package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

func evaluatorPaper(id string, total float64) models.Paper {
	return models.Paper{ID: id, Title: "Paper " + id, IsEvaluator: true, PaperType: models.PaperTypeSubjective, TotalMarks: total}
}

func createCopy(t *testing.T, h *harness, paperID, studentID string, obtained float64) string {
	t.Helper()
	ec, err := h.copies.Create(context.Background(), dto.CreateCopyRequest{
		PaperID:           paperID,
		StudentID:         studentID,
		IsExamCompleted:   true,
		SubmissionDetails: models.SubmissionDetails{ObtainedMarks: obtained, AnswerLink: "https://cdn.example.com/" + studentID + ".pdf"},
	}, "admin")
	require.NoError(t, err)
	return ec.ID
}

func assignCopies(t *testing.T, h *harness, evaluatorID string, ids ...string) {
	t.Helper()
	resp, err := h.copies.Assign(context.Background(), dto.AssignCopiesRequest{CopyIDs: ids, EvaluatorID: evaluatorID})
	require.NoError(t, err)
	require.Empty(t, resp.Failed)
}

func checkCopy(t *testing.T, h *harness, id string, details string) {
	t.Helper()
	req := dto.CheckCopyRequest{CheckedCopy: "https://cdn.example.com/checked/" + id + ".pdf"}
	if details != "" {
		req.CheckDetails = []byte(details)
	}
	_, err := h.copies.Check(context.Background(), id, req)
	require.NoError(t, err)
}

func TestCopyLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))

	c1 := createCopy(t, h, "paper-1", "student-1", 30)
	c2 := createCopy(t, h, "paper-1", "student-2", 22)
	c3 := createCopy(t, h, "paper-1", "student-3", 12)

	bundle := h.bundle(t, "paper-1")
	assert.Equal(t, 3, bundle.UnAssignedCopies.NoOfCopies)
	assert.Equal(t, 3, bundle.NoOfCopies)

	assignCopies(t, h, "eval-1", c1, c2)
	bundle = h.bundle(t, "paper-1")
	group, ok := bundle.AssignedCopies.Find("eval-1")
	require.True(t, ok)
	assert.Equal(t, 2, group.NoOfCopies)
	require.NotNil(t, group.AssignedTime)
	assert.True(t, group.AssignedTime.Equal(h.clock.Now()))
	assert.Equal(t, 1, bundle.UnAssignedCopies.NoOfCopies)
	assert.Equal(t, []string{c3}, bundle.UnAssignedCopies.Copies)
	require.Len(t, h.store.ledgerEntries(models.LedgerAssigned), 1)

	stored := h.store.copy(t, c1)
	require.NotNil(t, stored.LeaseDeadline)
	assert.True(t, stored.LeaseDeadline.Equal(h.clock.Now().Add(24*time.Hour)))
	assert.True(t, stored.IsEvaluator)

	checkCopy(t, h, c1, "")
	bundle = h.bundle(t, "paper-1")
	checked, ok := bundle.CheckedCopies.Find("eval-1")
	require.True(t, ok)
	assert.Equal(t, []string{c1}, checked.Copies)
	assigned, ok := bundle.AssignedCopies.Find("eval-1")
	require.True(t, ok)
	assert.Equal(t, []string{c2}, assigned.Copies)

	resp, err := h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{c1, c2}, EvaluatorID: "eval-1"}, "eval-1")
	require.NoError(t, err)
	require.Len(t, resp.Copies, 1)
	assert.Equal(t, c1, resp.Copies[0].ID)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, dto.ItemFailure{ID: c2, Reason: "copy has not been checked"}, resp.Failed[0])
	assert.False(t, h.store.copy(t, c2).IsSubmitted)

	submittedEntries := h.store.ledgerEntries(models.LedgerSubmitted)
	require.Len(t, submittedEntries, 1)
	assert.Equal(t, 18.0, submittedEntries[0].Amount)
	assert.Equal(t, 7.0, submittedEntries[0].Bonus)

	outcomes, err := h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{c1}}, "admin")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Empty(t, outcomes[0].Error)
	require.NotNil(t, outcomes[0].Result)
	assert.Equal(t, c1, outcomes[0].Result.EvaluationCopyID)
	assert.Equal(t, []string{"eval-1"}, []string(outcomes[0].Result.CheckedTeachers))

	bundle = h.bundle(t, "paper-1")
	submitted, ok := bundle.SubmittedCopies.Find("eval-1")
	require.True(t, ok)
	assert.Equal(t, []string{c1}, submitted.Copies)
	assert.False(t, bundle.Completed)

	checkCopy(t, h, c2, "")
	_, err = h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{c2}, EvaluatorID: "eval-1"}, "eval-1")
	require.NoError(t, err)
	_, err = h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{c2}}, "admin")
	require.NoError(t, err)

	bundle = h.bundle(t, "paper-1")
	assert.False(t, bundle.Completed)
	assert.Equal(t, 2, bundle.SubmittedCopies.Count())

	assignCopies(t, h, "eval-1", c3)
	checkCopy(t, h, c3, "")
	_, err = h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{c3}, EvaluatorID: "eval-1"}, "eval-1")
	require.NoError(t, err)
	_, err = h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{c3}}, "admin")
	require.NoError(t, err)

	bundle = h.bundle(t, "paper-1")
	assert.True(t, bundle.Completed)
	assert.Zero(t, bundle.UnAssignedCopies.NoOfCopies)
	assert.Equal(t, 3, bundle.SubmittedCopies.Count())

	wallet, err := h.ledger.Wallet(ctx, "eval-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, wallet.Pending)
}

func TestCheckCopyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 10)
	assignCopies(t, h, "eval-1", id)

	first, err := h.copies.Check(ctx, id, dto.CheckCopyRequest{CheckedCopy: "https://cdn.example.com/first.pdf"})
	require.NoError(t, err)
	second, err := h.copies.Check(ctx, id, dto.CheckCopyRequest{CheckedCopy: "https://cdn.example.com/second.pdf"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/first.pdf", first.CheckedCopy)
	assert.Equal(t, first.CheckedCopy, second.CheckedCopy)
	assert.Equal(t, "https://cdn.example.com/first.pdf", h.store.copy(t, id).CheckedCopy)
}

func TestCheckCopyRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 10)

	_, err := h.copies.Check(ctx, id, dto.CheckCopyRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = h.copies.Check(ctx, id, dto.CheckCopyRequest{CheckedCopy: "https://cdn.example.com/x.pdf"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidState))

	_, err = h.copies.Check(ctx, "missing", dto.CheckCopyRequest{CheckedCopy: "https://cdn.example.com/x.pdf"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestAssignResetsLeaseOnReassignment(t *testing.T) {
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 10)

	assignCopies(t, h, "eval-1", id)
	h.clock.Advance(3 * time.Hour)
	assignCopies(t, h, "eval-2", id)

	stored := h.store.copy(t, id)
	assert.Equal(t, "eval-2", stored.Teacher())
	assert.True(t, stored.AssignedTime.Equal(h.clock.Now()))
	assert.True(t, stored.LeaseDeadline.Equal(h.clock.Now().Add(24*time.Hour)))
}

func TestAssignReportsUnknownAndSubmittedCopies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 10)
	assignCopies(t, h, "eval-1", id)
	checkCopy(t, h, id, "")
	_, err := h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{id}, EvaluatorID: "eval-1"}, "eval-1")
	require.NoError(t, err)

	resp, err := h.copies.Assign(ctx, dto.AssignCopiesRequest{CopyIDs: []string{id, "ghost"}, EvaluatorID: "eval-2"})
	require.NoError(t, err)
	assert.Empty(t, resp.Copies)
	assert.ElementsMatch(t, []dto.ItemFailure{
		{ID: "ghost", Reason: "evaluation copy not found"},
		{ID: id, Reason: "copy already submitted"},
	}, resp.Failed)
}

func TestReclaimReturnsCopiesToPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	c1 := createCopy(t, h, "paper-1", "student-1", 10)
	c2 := createCopy(t, h, "paper-1", "student-2", 10)
	assignCopies(t, h, "eval-1", c1)
	assignCopies(t, h, "eval-2", c2)
	checkCopy(t, h, c1, "")

	resp, err := h.copies.Reclaim(ctx, dto.ReclaimCopiesRequest{CopyIDs: []string{c1, c2}, EvaluatorID: "eval-1", Reason: "evaluator on leave"})
	require.NoError(t, err)
	require.Len(t, resp.Copies, 1)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, c2, resp.Failed[0].ID)

	stored := h.store.copy(t, c1)
	assert.Nil(t, stored.TeacherID)
	assert.Empty(t, stored.CheckedCopy)
	assert.Nil(t, stored.LeaseDeadline)
	assert.Equal(t, models.CheckingUnassigned, stored.State())

	withdrawn := h.store.ledgerEntries(models.LedgerWithdrawn)
	require.Len(t, withdrawn, 1)
	require.NotNil(t, withdrawn[0].Reason)
	assert.Equal(t, "evaluator on leave", *withdrawn[0].Reason)
	assert.Equal(t, []string{c1}, []string(withdrawn[0].Copies))

	bundle := h.bundle(t, "paper-1")
	assert.Equal(t, []string{c1}, bundle.UnAssignedCopies.Copies)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().CopiesReclaimed)
}

func TestCreateObjectiveCopyDeclaresAutomatically(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(models.Paper{ID: "quiz-1", PaperType: models.PaperTypeObjective, TotalMarks: 20})

	ec, err := h.copies.Create(ctx, dto.CreateCopyRequest{
		PaperID:           "quiz-1",
		StudentID:         "student-1",
		SubmissionDetails: models.SubmissionDetails{ObtainedMarks: 15},
	}, "system")
	require.NoError(t, err)

	assert.Equal(t, models.ResultDeclaredAuto, ec.ResultDeclaredType)
	assert.True(t, ec.IsResultDeclared)
	assert.Equal(t, 20.0, ec.SubmissionDetails.TotalMarks)
	assert.True(t, h.store.copy(t, ec.ID).IsResultDeclared)

	result, err := memResults{h.store}.GetByPaperStudent(ctx, "quiz-1", "student-1")
	require.NoError(t, err)
	assert.Equal(t, ec.ID, result.EvaluationCopyID)
	assert.Empty(t, result.CheckedTeachers)
	assert.InDelta(t, 0.75, result.Percentage(), 1e-9)
}

func TestCreateCopyUnknownPaper(t *testing.T) {
	h := newHarness(t)
	_, err := h.copies.Create(context.Background(), dto.CreateCopyRequest{PaperID: "nope", StudentID: "student-1"}, "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestRejectionFlowSyncsPurchasedBundle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	paper := evaluatorPaper("b2c-1", 100)
	paper.IsB2C = true
	h.store.addPaper(paper)
	h.store.purchased[pairKey("student-1", "b2c-1")] = models.PurchasedBundlePaper{
		ID: "pbp-1", BundleID: "pb-1", BuyerID: "student-1", PaperID: "b2c-1", Status: models.PaperStatusAttempted,
	}
	purchased := func() models.PurchasedBundlePaper {
		p, err := memPurchased{h.store}.GetByBuyerPaper(ctx, "student-1", "b2c-1")
		require.NoError(t, err)
		return *p
	}

	id := createCopy(t, h, "b2c-1", "student-1", 75)
	assignCopies(t, h, "eval-1", id)
	assert.Equal(t, models.PaperStatusEvaluating, purchased().Status)

	checkCopy(t, h, id, "")
	resp, err := h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{id}, EvaluatorID: "eval-1", IsB2C: true}, "eval-1")
	require.NoError(t, err)
	require.Len(t, resp.Copies, 1)
	assert.True(t, resp.Copies[0].IsResultDeclared)

	completed := purchased()
	assert.Equal(t, models.PaperStatusCompleted, completed.Status)
	require.NotNil(t, completed.ResultDetails)
	assert.Equal(t, 75.0, completed.ResultDetails.ObtainedMarks)
	assert.InDelta(t, 0.75, completed.ResultDetails.Percentage, 1e-9)

	submitted := h.store.ledgerEntries(models.LedgerSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, 35.0, submitted[0].Amount)
	assert.Equal(t, 15.0, submitted[0].Bonus)

	rejected, err := h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusRejected, Reason: "pages missing"})
	require.NoError(t, err)
	assert.True(t, rejected.IsRejected)
	assert.False(t, rejected.IsSubmitted)
	assert.False(t, rejected.IsResultDeclared)
	assert.Empty(t, rejected.CheckedCopy)
	state := purchased()
	assert.Equal(t, models.PaperStatusRejected, state.Status)
	require.Len(t, state.Rejections, 1)
	assert.Equal(t, "pages missing", state.Rejections[0].Reason)
	assert.Equal(t, "https://cdn.example.com/student-1.pdf", state.Rejections[0].RejectedLink)

	reuploaded, err := h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusReUploaded, NewCopyLink: "https://cdn.example.com/v2.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v2.pdf", reuploaded.SubmissionDetails.AnswerLink)
	assert.Equal(t, models.RejectionStatusReUploaded, purchased().Rejections[0].Status)

	approved, err := h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusApproved})
	require.NoError(t, err)
	assert.False(t, approved.IsRejected)
	state = purchased()
	assert.Equal(t, models.PaperStatusEvaluating, state.Status)
	assert.Equal(t, models.RejectionStatusApproved, state.Rejections[0].Status)
}

func TestRejectedCopyIsCheckedAgainAfterReupload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 30)
	assignCopies(t, h, "eval-1", id)
	checkCopy(t, h, id, `{"strokes":1}`)
	_, err := h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{id}, EvaluatorID: "eval-1"}, "eval-1")
	require.NoError(t, err)
	_, err = h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{id}}, "admin")
	require.NoError(t, err)
	require.True(t, h.bundle(t, "paper-1").Completed)

	_, err = h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusRejected, Reason: "pages missing"})
	require.NoError(t, err)

	stored := h.store.copy(t, id)
	assert.Equal(t, models.CheckingAssigned, stored.State())
	assert.Equal(t, "eval-1", stored.Teacher())
	assert.Empty(t, stored.CheckedCopy)
	assert.Nil(t, stored.CheckDetails)
	assert.False(t, stored.IsResultDeclared)
	assert.Nil(t, stored.LeaseDeadline)
	_, err = memResults{h.store}.GetByPaperStudent(ctx, "paper-1", "student-1")
	assert.Error(t, err)

	bundle := h.bundle(t, "paper-1")
	assert.False(t, bundle.Completed)
	_, ok := bundle.CheckedCopies.Find("eval-1")
	assert.False(t, ok)

	_, err = h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusReUploaded, NewCopyLink: "https://cdn/v2.pdf"})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	approved, err := h.copies.RejectionUpdate(ctx, id, dto.RejectionUpdateRequest{Status: models.RejectionStatusApproved})
	require.NoError(t, err)
	require.NotNil(t, approved.LeaseDeadline)
	assert.True(t, approved.LeaseDeadline.Equal(h.clock.Now().Add(24*time.Hour)))

	checked, err := h.copies.Check(ctx, id, dto.CheckCopyRequest{CheckedCopy: "https://cdn/checked-v2.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/checked-v2.pdf", checked.CheckedCopy)
	assert.Equal(t, "https://cdn/v2.pdf", checked.SubmissionDetails.AnswerLink)
	assert.Equal(t, models.CheckingChecked, checked.State())
}

func TestRejectionRequiresHeldCopy(t *testing.T) {
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	id := createCopy(t, h, "paper-1", "student-1", 10)

	_, err := h.copies.RejectionUpdate(context.Background(), id, dto.RejectionUpdateRequest{Status: models.RejectionStatusRejected, Reason: "blurry"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidState))

	_, err = h.copies.RejectionUpdate(context.Background(), id, dto.RejectionUpdateRequest{Status: models.RejectionStatusApproved})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidState))
}

func TestDeleteCopiesCascadesResults(t *testing.T) {
	for _, transactional := range []bool{false, true} {
		transactional := transactional
		name := "sequential"
		if transactional {
			name = "transactional"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var opts []harnessOption
			if transactional {
				opts = append(opts, withTransactionalDelete())
			}
			h := newHarness(t, opts...)
			h.store.addPaper(evaluatorPaper("paper-1", 40))
			c1 := createCopy(t, h, "paper-1", "student-1", 30)
			c2 := createCopy(t, h, "paper-1", "student-2", 20)
			assignCopies(t, h, "eval-1", c1)
			checkCopy(t, h, c1, "")
			_, err := h.copies.Submit(ctx, dto.SubmitCopiesRequest{CopyIDs: []string{c1}, EvaluatorID: "eval-1"}, "eval-1")
			require.NoError(t, err)
			_, err = h.results.DeclareResults(ctx, dto.DeclareResultsRequest{CopyIDs: []string{c1}}, "admin")
			require.NoError(t, err)

			resp, err := h.copies.Delete(ctx, dto.DeleteCopiesRequest{CopyIDs: []string{c1, "ghost"}})
			require.NoError(t, err)
			assert.Equal(t, int64(1), resp.Deleted)
			assert.Equal(t, []string{"paper-1"}, resp.Papers)

			_, err = memResults{h.store}.GetByPaperStudent(ctx, "paper-1", "student-1")
			require.Error(t, err)

			bundle := h.bundle(t, "paper-1")
			assert.Equal(t, 1, bundle.NoOfCopies)
			assert.Equal(t, []string{c2}, bundle.UnAssignedCopies.Copies)
		})
	}
}

func TestListCopiesPaginates(t *testing.T) {
	h := newHarness(t)
	h.store.addPaper(evaluatorPaper("paper-1", 40))
	for _, student := range []string{"s1", "s2", "s3"} {
		createCopy(t, h, "paper-1", student, 10)
	}

	copies, total, err := h.copies.List(context.Background(), dto.CopyQuery{PaperID: "paper-1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, copies, 1)
	assert.Equal(t, "s3", copies[0].StudentID)
}
