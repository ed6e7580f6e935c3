package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

const defaultCheckingTTL = 24 * time.Hour

type copyStore interface {
	Create(ctx context.Context, ec *models.EvaluationCopy) error
	GetByID(ctx context.Context, id string) (*models.EvaluationCopy, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.EvaluationCopy, error)
	List(ctx context.Context, filter models.EvaluationCopyFilter) ([]models.EvaluationCopy, int, error)
	Update(ctx context.Context, ec *models.EvaluationCopy) error
	MarkChecked(ctx context.Context, id, link string, details types.JSONText) (bool, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteWithResults(ctx context.Context, ids []string) (int64, error)
}

type copyResultRemover interface {
	DeleteByCopyIDs(ctx context.Context, copyIDs []string) (int64, error)
}

type copyLedger interface {
	Entries(action models.LedgerAction, evaluatorID string, copies []models.EvaluationCopy, reason string) []*models.EvaluatorHistory
	SubmissionEntries(evaluatorID string, copies []models.EvaluationCopy, rating *float64) []*models.EvaluatorHistory
	Record(ctx context.Context, entries ...*models.EvaluatorHistory) int
}

type copyDeclarer interface {
	DeclareCopy(ctx context.Context, copyID, actorID string) (*models.Result, error)
}

type copySync interface {
	MarkEvaluating(ctx context.Context, ec *models.EvaluationCopy) error
	MarkRejected(ctx context.Context, ec *models.EvaluationCopy, reason, rejectedLink string) error
	MarkReUploaded(ctx context.Context, ec *models.EvaluationCopy) error
	MarkApproved(ctx context.Context, ec *models.EvaluationCopy) error
}

// CopyServiceConfig tunes the checking lifecycle.
type CopyServiceConfig struct {
	CheckingTTL time.Duration
	// ReviewTTL is the reviewer's lease once a re-checked copy is resubmitted.
	ReviewTTL time.Duration
	// Transactional removes copies and their results atomically.
	Transactional bool
}

// CopyService drives evaluation copies through unassigned, assigned, checked and submitted.
type CopyService struct {
	copies    copyStore
	results   copyResultRemover
	papers    paperFinder
	ledger    copyLedger
	declarer  copyDeclarer
	purchased copySync
	publisher bundlePublisher
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       CopyServiceConfig
	now       func() time.Time
}

// CopyServiceOption configures the service.
type CopyServiceOption func(*CopyService)

// WithCopyClock overrides the time source.
func WithCopyClock(now func() time.Time) CopyServiceOption {
	return func(s *CopyService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCopyMetrics attaches metrics.
func WithCopyMetrics(metrics *MetricsService) CopyServiceOption {
	return func(s *CopyService) { s.metrics = metrics }
}

// WithCopyPurchasedSync mirrors B2C transitions onto purchased bundles.
func WithCopyPurchasedSync(sync copySync) CopyServiceOption {
	return func(s *CopyService) { s.purchased = sync }
}

// NewCopyService constructs the lifecycle service.
func NewCopyService(copies copyStore, results copyResultRemover, papers paperFinder, ledger copyLedger, declarer copyDeclarer, publisher bundlePublisher, validate *validator.Validate, logger *zap.Logger, cfg CopyServiceConfig, opts ...CopyServiceOption) *CopyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.CheckingTTL <= 0 {
		cfg.CheckingTTL = defaultCheckingTTL
	}
	if cfg.ReviewTTL <= 0 {
		cfg.ReviewTTL = defaultReviewTTL
	}
	svc := &CopyService{
		copies:    copies,
		results:   results,
		papers:    papers,
		ledger:    ledger,
		declarer:  declarer,
		publisher: publisher,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create registers a submitted copy in the unassigned pool. Copies of objective papers are
// declared straight away.
func (s *CopyService) Create(ctx context.Context, req dto.CreateCopyRequest, actorID string) (*models.EvaluationCopy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid copy payload")
	}
	paper, err := s.paper(ctx, req.PaperID)
	if err != nil {
		return nil, err
	}

	ec := &models.EvaluationCopy{
		ID:                 uuid.NewString(),
		PaperID:            paper.ID,
		StudentID:          req.StudentID,
		ResultDeclaredType: models.ResultDeclaredManual,
		IsExamCompleted:    req.IsExamCompleted,
		IsB2C:              paper.IsB2C,
		SubmissionDetails:  req.SubmissionDetails,
	}
	ec.IsEvaluator = paper.IsEvaluator
	ec.ReviewStatus = models.ReviewStatusNone
	if ec.SubmissionDetails.TotalMarks == 0 {
		ec.SubmissionDetails.TotalMarks = paper.TotalMarks
	}
	if paper.PaperType == models.PaperTypeObjective {
		ec.ResultDeclaredType = models.ResultDeclaredAuto
	}

	if err := s.copies.Create(ctx, ec); err != nil {
		return nil, appErrors.Internal(err, "failed to create evaluation copy")
	}

	if ec.ResultDeclaredType == models.ResultDeclaredAuto {
		if _, err := s.declarer.DeclareCopy(ctx, ec.ID, actorID); err != nil {
			s.logger.Warn("auto declaration failed", zap.String("copy_id", ec.ID), zap.Error(err))
		} else {
			ec.IsResultDeclared = true
		}
	}
	s.publisher.Publish(ctx, ec.PaperID)
	return ec, nil
}

// Get returns a single copy.
func (s *CopyService) Get(ctx context.Context, id string) (*models.EvaluationCopy, error) {
	ec, err := s.copies.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evaluation copy not found")
		}
		return nil, appErrors.Internal(err, "failed to load evaluation copy")
	}
	return ec, nil
}

// List pages copies.
func (s *CopyService) List(ctx context.Context, query dto.CopyQuery) ([]models.EvaluationCopy, int, error) {
	page, size := normalisePage(query.Page, query.PageSize, 50)
	copies, total, err := s.copies.List(ctx, models.EvaluationCopyFilter{
		PaperID:   query.PaperID,
		TeacherID: query.TeacherID,
		StudentID: query.StudentID,
		Declared:  query.Declared,
		Limit:     size,
		Offset:    (page - 1) * size,
	})
	if err != nil {
		return nil, 0, appErrors.Internal(err, "failed to list evaluation copies")
	}
	return copies, total, nil
}

// Assign hands copies to an evaluator and arms a fresh checking lease on each.
// Reassigning an already assigned copy restarts its lease.
func (s *CopyService) Assign(ctx context.Context, req dto.AssignCopiesRequest) (*dto.CopyBatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assignment payload")
	}
	copies, resp, err := loadCopies(ctx, s.copies, req.CopyIDs)
	if err != nil {
		return nil, err
	}

	papers := make(map[string]*models.Paper)
	now := s.now()
	deadline := now.Add(s.cfg.CheckingTTL)
	assigned := make([]models.EvaluationCopy, 0, len(copies))
	for i := range copies {
		c := &copies[i]
		if c.IsSubmitted {
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy already submitted"})
			continue
		}
		paper, err := s.cachedPaper(ctx, papers, c.PaperID)
		if err != nil {
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: appErrors.FromError(err).Message})
			continue
		}
		evaluatorID := req.EvaluatorID
		assignedAt := now
		c.TeacherID = &evaluatorID
		c.IsEvaluator = paper.IsEvaluator
		c.CheckedCopy = ""
		c.AssignedTime = &assignedAt
		c.LeaseDeadline = &deadline
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("assign copy failed", zap.String("copy_id", c.ID), zap.Error(err))
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "failed to assign copy"})
			continue
		}
		assigned = append(assigned, *c)
		if c.IsB2C {
			s.sync(c, s.purchasedEvaluating(ctx, c))
		}
	}

	s.ledger.Record(ctx, s.ledger.Entries(models.LedgerAssigned, req.EvaluatorID, assigned, "")...)
	s.publisher.Publish(ctx, paperIDsOf(assigned)...)
	resp.Copies = assigned
	return resp, nil
}

// Check stores the evaluator's checked artifact. A copy that is already checked is returned
// unchanged unless a reviewer sent it back for re-checking, in which case the artifact is
// replaced.
func (s *CopyService) Check(ctx context.Context, copyID string, req dto.CheckCopyRequest) (*models.EvaluationCopy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "checked copy link is required")
	}
	ec, err := s.Get(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if ec.Rechecking() {
		return s.recheck(ctx, ec, req)
	}
	if ec.CheckedCopy != "" {
		return ec, nil
	}
	if ec.TeacherID == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is not assigned")
	}

	changed, err := s.copies.MarkChecked(ctx, ec.ID, req.CheckedCopy, types.JSONText(req.CheckDetails))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to store checked copy")
	}
	fresh, err := s.Get(ctx, ec.ID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.publisher.Publish(ctx, fresh.PaperID)
	}
	return fresh, nil
}

// recheck replaces the checked artifact of a copy a reviewer sent back for re-checking.
func (s *CopyService) recheck(ctx context.Context, ec *models.EvaluationCopy, req dto.CheckCopyRequest) (*models.EvaluationCopy, error) {
	ec.CheckedCopy = req.CheckedCopy
	if len(req.CheckDetails) > 0 {
		ec.CheckDetails = types.JSONText(req.CheckDetails)
	}
	if err := s.copies.Update(ctx, ec); err != nil {
		return nil, appErrors.Internal(err, "failed to store re-checked copy")
	}
	s.publisher.Publish(ctx, ec.PaperID)
	return ec, nil
}

// Submit finalises checked copies of one evaluator. Unchecked copies are skipped and
// reported; B2C copies are declared before returning.
func (s *CopyService) Submit(ctx context.Context, req dto.SubmitCopiesRequest, actorID string) (*dto.CopyBatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid submission payload")
	}
	copies, resp, err := loadCopies(ctx, s.copies, req.CopyIDs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	submitted := make([]models.EvaluationCopy, 0, len(copies))
	paid := make([]models.EvaluationCopy, 0, len(copies))
	for i := range copies {
		c := &copies[i]
		switch {
		case c.Teacher() != req.EvaluatorID:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy is not assigned to this evaluator"})
			continue
		case c.CheckedCopy == "":
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy has not been checked"})
			continue
		case c.IsSubmitted:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy already submitted"})
			continue
		}
		resubmitted := c.Rechecking()
		// a copy sent back for re-checking was paid on its first submission
		firstSubmission := c.SubmittedTime == nil
		submittedAt := now
		c.IsSubmitted = true
		c.SubmittedTime = &submittedAt
		c.LeaseDeadline = nil
		if resubmitted {
			// back to the reviewer on a fresh review lease
			reviewDeadline := now.Add(s.cfg.ReviewTTL)
			c.ReviewStatus = models.ReviewStatusInReview
			c.ReviewStatusDate = &submittedAt
			c.ReviewDeadline = &reviewDeadline
		}
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("submit copy failed", zap.String("copy_id", c.ID), zap.Error(err))
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "failed to submit copy"})
			continue
		}
		submitted = append(submitted, *c)
		if firstSubmission {
			paid = append(paid, *c)
		}
	}

	s.ledger.Record(ctx, s.ledger.SubmissionEntries(req.EvaluatorID, paid, req.Rating)...)

	for i := range submitted {
		c := &submitted[i]
		if c.InReview || (!req.IsB2C && !c.IsB2C) {
			continue
		}
		if _, err := s.declarer.DeclareCopy(ctx, c.ID, actorID); err != nil {
			s.logger.Warn("b2c declaration failed", zap.String("copy_id", c.ID), zap.Error(err))
			continue
		}
		c.IsResultDeclared = true
	}

	s.publisher.Publish(ctx, paperIDsOf(submitted)...)
	resp.Copies = submitted
	return resp, nil
}

// Reclaim withdraws unsubmitted copies from an evaluator back to the unassigned pool.
func (s *CopyService) Reclaim(ctx context.Context, req dto.ReclaimCopiesRequest) (*dto.CopyBatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reclaim payload")
	}
	copies, resp, err := loadCopies(ctx, s.copies, req.CopyIDs)
	if err != nil {
		return nil, err
	}

	reclaimed := make([]models.EvaluationCopy, 0, len(copies))
	for i := range copies {
		c := &copies[i]
		switch {
		case c.Teacher() != req.EvaluatorID:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy is not assigned to this evaluator"})
			continue
		case c.IsSubmitted:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy already submitted"})
			continue
		}
		c.ResetChecking()
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("reclaim copy failed", zap.String("copy_id", c.ID), zap.Error(err))
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "failed to reclaim copy"})
			continue
		}
		reclaimed = append(reclaimed, *c)
	}

	s.ledger.Record(ctx, s.ledger.Entries(models.LedgerWithdrawn, req.EvaluatorID, reclaimed, req.Reason)...)
	s.metrics.IncCopiesReclaimed("admin", len(reclaimed))
	s.publisher.Publish(ctx, paperIDsOf(reclaimed)...)
	resp.Copies = reclaimed
	return resp, nil
}

// RejectionUpdate moves a copy through the evaluator rejection flow: rejected, then
// re-uploaded by the student, then approved for checking again. Rejection discards the
// checked artifact and any declared result; the evaluator keeps the copy and gets a fresh
// checking lease on approval.
func (s *CopyService) RejectionUpdate(ctx context.Context, copyID string, req dto.RejectionUpdateRequest) (*models.EvaluationCopy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rejection payload")
	}
	ec, err := s.Get(ctx, copyID)
	if err != nil {
		return nil, err
	}

	var syncErr error
	switch req.Status {
	case models.RejectionStatusRejected:
		switch {
		case ec.TeacherID == nil:
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "only copies held by an evaluator can be rejected")
		case ec.IsRejected:
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is already awaiting a re-upload")
		case ec.InReview:
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is under review")
		}
		declared := ec.IsResultDeclared
		now := s.now()
		ec.IsRejected = true
		ec.RejectionStatus = models.RejectionStatusRejected
		ec.RejectionReason = req.Reason
		ec.RejectedDate = &now
		ec.ResetCheck()
		if err := s.copies.Update(ctx, ec); err != nil {
			return nil, appErrors.Internal(err, "failed to reject copy")
		}
		if declared {
			if _, err := s.results.DeleteByCopyIDs(ctx, []string{ec.ID}); err != nil {
				s.logger.Warn("remove result of rejected copy failed", zap.String("copy_id", ec.ID), zap.Error(err))
			}
		}
		if s.purchased != nil {
			syncErr = s.purchased.MarkRejected(ctx, ec, req.Reason, ec.SubmissionDetails.AnswerLink)
		}
	case models.RejectionStatusReUploaded:
		if !ec.IsRejected || ec.RejectionStatus != models.RejectionStatusRejected {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is not awaiting a re-upload")
		}
		ec.RejectionStatus = models.RejectionStatusReUploaded
		ec.SubmissionDetails.AnswerLink = req.NewCopyLink
		if err := s.copies.Update(ctx, ec); err != nil {
			return nil, appErrors.Internal(err, "failed to store re-uploaded copy")
		}
		if s.purchased != nil {
			syncErr = s.purchased.MarkReUploaded(ctx, ec)
		}
	case models.RejectionStatusApproved:
		if !ec.IsRejected {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is not rejected")
		}
		ec.IsRejected = false
		ec.RejectionStatus = models.RejectionStatusApproved
		if ec.TeacherID != nil {
			assignedAt := s.now()
			deadline := assignedAt.Add(s.cfg.CheckingTTL)
			ec.AssignedTime = &assignedAt
			ec.LeaseDeadline = &deadline
		}
		if err := s.copies.Update(ctx, ec); err != nil {
			return nil, appErrors.Internal(err, "failed to approve copy")
		}
		if s.purchased != nil {
			syncErr = s.purchased.MarkApproved(ctx, ec)
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported rejection status")
	}

	s.sync(ec, syncErr)
	s.publisher.Publish(ctx, ec.PaperID)
	return ec, nil
}

// Delete hard-deletes copies together with the results declared from them.
func (s *CopyService) Delete(ctx context.Context, req dto.DeleteCopiesRequest) (*dto.DeleteCopiesResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid delete payload")
	}
	ids := uniqueStrings(req.CopyIDs)
	copies, err := s.copies.ListByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load evaluation copies")
	}
	if len(copies) == 0 {
		return &dto.DeleteCopiesResponse{Papers: []string{}}, nil
	}
	found := make([]string, len(copies))
	for i := range copies {
		found[i] = copies[i].ID
	}

	var deleted int64
	if s.cfg.Transactional {
		deleted, err = s.copies.DeleteWithResults(ctx, found)
		if err != nil {
			return nil, appErrors.Internal(err, "failed to delete evaluation copies")
		}
	} else {
		if _, err := s.results.DeleteByCopyIDs(ctx, found); err != nil {
			return nil, appErrors.Internal(err, "failed to delete results of copies")
		}
		deleted, err = s.copies.DeleteByIDs(ctx, found)
		if err != nil {
			return nil, appErrors.Internal(err, "failed to delete evaluation copies")
		}
	}

	papers := uniqueStrings(paperIDsOf(copies))
	s.publisher.Publish(ctx, papers...)
	s.logger.Info("evaluation copies deleted", zap.Int64("deleted", deleted), zap.Strings("papers", papers))
	return &dto.DeleteCopiesResponse{Deleted: deleted, Papers: papers}, nil
}

type copyLister interface {
	ListByIDs(ctx context.Context, ids []string) ([]models.EvaluationCopy, error)
}

// loadCopies fetches copies by id, reporting unknown ids as failures.
func loadCopies(ctx context.Context, store copyLister, ids []string) ([]models.EvaluationCopy, *dto.CopyBatchResponse, error) {
	ids = uniqueStrings(ids)
	copies, err := store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to load evaluation copies")
	}
	resp := &dto.CopyBatchResponse{Copies: []models.EvaluationCopy{}}
	known := make(map[string]struct{}, len(copies))
	for i := range copies {
		known[copies[i].ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: id, Reason: "evaluation copy not found"})
		}
	}
	return copies, resp, nil
}

func (s *CopyService) paper(ctx context.Context, id string) (*models.Paper, error) {
	paper, err := s.papers.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "paper not found")
		}
		return nil, appErrors.Internal(err, "failed to load paper")
	}
	return paper, nil
}

func (s *CopyService) cachedPaper(ctx context.Context, seen map[string]*models.Paper, id string) (*models.Paper, error) {
	if paper, ok := seen[id]; ok {
		return paper, nil
	}
	paper, err := s.paper(ctx, id)
	if err != nil {
		return nil, err
	}
	seen[id] = paper
	return paper, nil
}

func (s *CopyService) purchasedEvaluating(ctx context.Context, ec *models.EvaluationCopy) error {
	if s.purchased == nil {
		return nil
	}
	return s.purchased.MarkEvaluating(ctx, ec)
}

func (s *CopyService) sync(ec *models.EvaluationCopy, err error) {
	if err != nil {
		s.logger.Warn("purchased bundle sync failed", zap.String("copy_id", ec.ID), zap.Error(err))
	}
}

func paperIDsOf(copies []models.EvaluationCopy) []string {
	ids := make([]string, len(copies))
	for i := range copies {
		ids[i] = copies[i].PaperID
	}
	return ids
}
