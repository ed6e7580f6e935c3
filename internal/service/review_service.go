package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

const (
	defaultReviewTTL      = 6 * time.Hour
	reviewNotificationURL = "/reviews"
)

type reviewCopyStore interface {
	GetByID(ctx context.Context, id string) (*models.EvaluationCopy, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.EvaluationCopy, error)
	Update(ctx context.Context, ec *models.EvaluationCopy) error
}

type reviewStore interface {
	Create(ctx context.Context, review *models.CopyReview) error
	GetByID(ctx context.Context, id string) (*models.CopyReview, error)
	Update(ctx context.Context, review *models.CopyReview) error
}

type reviewLedger interface {
	Entries(action models.LedgerAction, evaluatorID string, copies []models.EvaluationCopy, reason string) []*models.EvaluatorHistory
	Record(ctx context.Context, entries ...*models.EvaluatorHistory) int
}

type notificationDispatcher interface {
	Dispatch(ctx context.Context, notifications ...models.Notification) int
}

// ReviewService runs the secondary review of checked copies on evaluator papers.
type ReviewService struct {
	copies    reviewCopyStore
	reviews   reviewStore
	papers    paperFinder
	ledger    reviewLedger
	notifier  notificationDispatcher
	publisher bundlePublisher
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	ttl       time.Duration
	now       func() time.Time
}

// ReviewServiceOption configures the service.
type ReviewServiceOption func(*ReviewService)

// WithReviewClock overrides the time source.
func WithReviewClock(now func() time.Time) ReviewServiceOption {
	return func(s *ReviewService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReviewMetrics attaches metrics.
func WithReviewMetrics(metrics *MetricsService) ReviewServiceOption {
	return func(s *ReviewService) { s.metrics = metrics }
}

// WithReviewTTL overrides how long a reviewer holds a copy.
func WithReviewTTL(ttl time.Duration) ReviewServiceOption {
	return func(s *ReviewService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewReviewService constructs the review workflow.
func NewReviewService(copies reviewCopyStore, reviews reviewStore, papers paperFinder, ledger reviewLedger, notifier notificationDispatcher, publisher bundlePublisher, validate *validator.Validate, logger *zap.Logger, opts ...ReviewServiceOption) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	svc := &ReviewService{
		copies:    copies,
		reviews:   reviews,
		papers:    papers,
		ledger:    ledger,
		notifier:  notifier,
		publisher: publisher,
		validator: validate,
		logger:    logger,
		ttl:       defaultReviewTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// AssignForReview opens a review per copy with a snapshot of the checker's markup.
// Only checked copies of evaluator-checked papers can be reviewed.
func (s *ReviewService) AssignForReview(ctx context.Context, req dto.AssignReviewRequest) (*dto.CopyBatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review assignment payload")
	}
	paper, err := s.papers.FindByID(ctx, req.PaperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "paper not found")
		}
		return nil, appErrors.Internal(err, "failed to load paper")
	}
	if !paper.IsEvaluator {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "paper is not checked by evaluators")
	}

	copies, resp, err := loadCopies(ctx, s.copies, req.CopyIDs)
	if err != nil {
		return nil, err
	}
	now := s.now()
	assigned := make([]models.EvaluationCopy, 0, len(copies))
	for i := range copies {
		c := &copies[i]
		switch {
		case c.PaperID != req.PaperID:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy belongs to another paper"})
			continue
		case !c.IsEvaluator:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy is not checked by an evaluator"})
			continue
		case c.CheckedCopy == "":
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy has not been checked"})
			continue
		case c.InReview:
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy is already under review"})
			continue
		}

		snapshot := cloneJSON(c.CheckDetails)
		review := &models.CopyReview{
			ID:               uuid.NewString(),
			EvaluationCopyID: c.ID,
			PaperID:          c.PaperID,
			ReviewerID:       req.ReviewerID,
			CheckerID:        c.Teacher(),
			DrawHistory:      snapshot,
		}
		review.Append(models.ReviewHistoryEntry{
			Status:    models.ReviewStatusInReview,
			Snapshot:  snapshot,
			ActorID:   req.ReviewerID,
			CreatedAt: now,
		})
		if err := s.reviews.Create(ctx, review); err != nil {
			s.logger.Error("create copy review failed", zap.String("copy_id", c.ID), zap.Error(err))
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "failed to open review"})
			continue
		}

		reviewerID, reviewID, deadline, statusAt := req.ReviewerID, review.ID, now.Add(s.ttl), now
		c.ReviewerID = &reviewerID
		c.ReviewID = &reviewID
		c.ReviewStatus = models.ReviewStatusInReview
		c.ReviewStatusDate = &statusAt
		c.ReviewDeadline = &deadline
		c.InReview = true
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("mark copy in review failed", zap.String("copy_id", c.ID), zap.Error(err))
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "failed to open review"})
			continue
		}
		assigned = append(assigned, *c)
	}

	if len(assigned) > 0 {
		s.ledger.Record(ctx, s.ledger.Entries(models.LedgerInreview, req.ReviewerID, assigned, "")...)
		s.notifier.Dispatch(ctx, models.Notification{
			UserID:  req.ReviewerID,
			Message: fmt.Sprintf("%d copies of %s are waiting for your review", len(assigned), paper.Title),
			URL:     reviewNotificationURL,
		})
		s.publisher.Publish(ctx, req.PaperID)
	}
	resp.Copies = assigned
	return resp, nil
}

// SubmitReview records the assigned reviewer's decision on one copy. A copy sent back for
// re-checking stays in review, owned by its checker on a fresh lease, until the checker
// resubmits it.
func (s *ReviewService) SubmitReview(ctx context.Context, copyID string, req dto.SubmitReviewRequest, actorID string) (*models.EvaluationCopy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}
	ec, err := s.copies.GetByID(ctx, copyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evaluation copy not found")
		}
		return nil, appErrors.Internal(err, "failed to load evaluation copy")
	}
	if !ec.InReview || ec.ReviewID == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is not under review")
	}
	if ec.Reviewer() != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "copy is under review by another reviewer")
	}
	if ec.Rechecking() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "copy is awaiting re-check by its evaluator")
	}
	review, err := s.review(ctx, *ec.ReviewID)
	if err != nil {
		return nil, err
	}

	if len(req.CheckDetails) > 0 {
		ec.CheckDetails = types.JSONText(req.CheckDetails)
	}
	now := s.now()
	ec.ReviewStatus = req.Status
	ec.ReviewStatusDate = &now

	var (
		entries []*models.EvaluatorHistory
		notify  models.Notification
	)
	single := []models.EvaluationCopy{*ec}
	switch req.Status {
	case models.ReviewStatusInReview:
		notify = models.Notification{UserID: ec.Reviewer(), Message: "Your review progress was saved", URL: reviewNotificationURL}
	case models.ReviewStatusApproved:
		ec.InReview = false
		ec.ReviewDeadline = nil
		entries = s.ledger.Entries(models.LedgerReviewed, ec.Reviewer(), single, "")
		notify = models.Notification{UserID: review.CheckerID, Message: "Your checked copy was approved by the reviewer", URL: "/copies/" + ec.ID}
	case models.ReviewStatusRechecking:
		deadline := now.Add(s.ttl)
		review.DrawHistory = cloneJSON(ec.CheckDetails)
		ec.ReviewDeadline = &deadline
		ec.IsSubmitted = false
		entries = s.ledger.Entries(models.LedgerRecheck, review.CheckerID, single, req.Comment)
		notify = models.Notification{UserID: review.CheckerID, Message: "A reviewer asked you to re-check a copy", URL: "/copies/" + ec.ID}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported review status")
	}

	review.Append(models.ReviewHistoryEntry{
		Status:    req.Status,
		Snapshot:  cloneJSON(ec.CheckDetails),
		ActorID:   actorID,
		Comment:   req.Comment,
		CreatedAt: now,
	})
	if err := s.reviews.Update(ctx, review); err != nil {
		return nil, appErrors.Internal(err, "failed to update review")
	}
	if err := s.copies.Update(ctx, ec); err != nil {
		return nil, appErrors.Internal(err, "failed to update evaluation copy")
	}

	s.ledger.Record(ctx, entries...)
	s.notifier.Dispatch(ctx, notify)
	s.publisher.Publish(ctx, ec.PaperID)
	return ec, nil
}

// DropReview abandons the reviewer's open reviews and restores the markup captured when
// each review started.
func (s *ReviewService) DropReview(ctx context.Context, req dto.DropReviewRequest) (*dto.CopyBatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid drop payload")
	}
	copies, resp, err := loadCopies(ctx, s.copies, req.CopyIDs)
	if err != nil {
		return nil, err
	}
	eligible := make([]models.EvaluationCopy, 0, len(copies))
	for i := range copies {
		c := copies[i]
		if !c.InReview || c.Reviewer() != req.ReviewerID {
			resp.Failed = append(resp.Failed, dto.ItemFailure{ID: c.ID, Reason: "copy is not under review by this reviewer"})
			continue
		}
		eligible = append(eligible, c)
	}
	dropped, failed := s.drop(ctx, req.ReviewerID, eligible, req.Reason)
	resp.Copies = dropped
	resp.Failed = append(resp.Failed, failed...)
	return resp, nil
}

// DropExpired drops reviews whose deadline passed. Copies are re-read so a review decided
// since the sweep listed it is left alone.
func (s *ReviewService) DropExpired(ctx context.Context, candidates []models.EvaluationCopy) int {
	now := s.now()
	byReviewer := make(map[string][]models.EvaluationCopy)
	order := make([]string, 0)
	for i := range candidates {
		fresh, err := s.copies.GetByID(ctx, candidates[i].ID)
		if err != nil {
			s.logger.Warn("reload expired review failed", zap.String("copy_id", candidates[i].ID), zap.Error(err))
			continue
		}
		if !fresh.InReview || fresh.ReviewStatus != models.ReviewStatusInReview ||
			fresh.ReviewDeadline == nil || fresh.ReviewDeadline.After(now) {
			continue
		}
		reviewer := fresh.Reviewer()
		if _, ok := byReviewer[reviewer]; !ok {
			order = append(order, reviewer)
		}
		byReviewer[reviewer] = append(byReviewer[reviewer], *fresh)
	}

	total := 0
	for _, reviewer := range order {
		dropped, _ := s.drop(ctx, reviewer, byReviewer[reviewer], leaseExpiredReason)
		total += len(dropped)
	}
	return total
}

// ReclaimExpiredRechecks returns copies whose checker let the re-check lease lapse to the
// unassigned pool. The review is closed and the checker's markup discarded.
func (s *ReviewService) ReclaimExpiredRechecks(ctx context.Context, candidates []models.EvaluationCopy) int {
	now := s.now()
	reclaimed := make(map[string][]models.EvaluationCopy)
	order := make([]string, 0)
	for i := range candidates {
		c, err := s.copies.GetByID(ctx, candidates[i].ID)
		if err != nil {
			s.logger.Warn("reload expired re-check failed", zap.String("copy_id", candidates[i].ID), zap.Error(err))
			continue
		}
		if !c.Rechecking() || c.ReviewDeadline == nil || c.ReviewDeadline.After(now) {
			continue
		}
		checker := c.Teacher()
		if c.ReviewID != nil {
			review, err := s.review(ctx, *c.ReviewID)
			if err != nil {
				s.logger.Warn("load expired re-check review failed", zap.String("copy_id", c.ID), zap.Error(err))
				continue
			}
			review.Append(models.ReviewHistoryEntry{
				Status:    models.ReviewStatusDropped,
				Snapshot:  cloneJSON(c.CheckDetails),
				ActorID:   review.CheckerID,
				Comment:   leaseExpiredReason,
				CreatedAt: now,
			})
			if err := s.reviews.Update(ctx, review); err != nil {
				s.logger.Error("close expired re-check review failed", zap.String("copy_id", c.ID), zap.Error(err))
				continue
			}
		}
		c.ReviewStatus = models.ReviewStatusDropped
		c.ReviewStatusDate = &now
		c.ReviewDeadline = nil
		c.InReview = false
		c.ResetChecking()
		c.CheckDetails = nil
		c.IsResultDeclared = false
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("reclaim expired re-check failed", zap.String("copy_id", c.ID), zap.Error(err))
			continue
		}
		if _, ok := reclaimed[checker]; !ok {
			order = append(order, checker)
		}
		reclaimed[checker] = append(reclaimed[checker], *c)
	}

	total := 0
	notifications := make([]models.Notification, 0, len(order))
	for _, checker := range order {
		copies := reclaimed[checker]
		total += len(copies)
		s.ledger.Record(ctx, s.ledger.Entries(models.LedgerWithdrawn, checker, copies, leaseExpiredReason)...)
		notifications = append(notifications, models.Notification{
			UserID:  checker,
			Message: fmt.Sprintf("%d copies were withdrawn because the re-check time limit passed", len(copies)),
			URL:     reviewNotificationURL,
		})
		s.publisher.Publish(ctx, paperIDsOf(copies)...)
	}
	if total == 0 {
		return 0
	}
	s.metrics.IncCopiesReclaimed("recheck", total)
	if failed := s.notifier.Dispatch(ctx, notifications...); failed > 0 {
		s.logger.Warn("re-check withdrawal notifications partially failed", zap.Int("failed", failed))
	}
	return total
}

func (s *ReviewService) drop(ctx context.Context, reviewerID string, copies []models.EvaluationCopy, reason string) ([]models.EvaluationCopy, []dto.ItemFailure) {
	now := s.now()
	dropped := make([]models.EvaluationCopy, 0, len(copies))
	var failed []dto.ItemFailure
	checkers := make(map[string]struct{})
	for i := range copies {
		c := &copies[i]
		if c.ReviewID != nil {
			review, err := s.review(ctx, *c.ReviewID)
			if err != nil {
				failed = append(failed, dto.ItemFailure{ID: c.ID, Reason: appErrors.FromError(err).Message})
				continue
			}
			c.CheckDetails = cloneJSON(review.DrawHistory)
			review.Append(models.ReviewHistoryEntry{
				Status:    models.ReviewStatusDropped,
				Snapshot:  cloneJSON(review.DrawHistory),
				ActorID:   reviewerID,
				Comment:   reason,
				CreatedAt: now,
			})
			if err := s.reviews.Update(ctx, review); err != nil {
				s.logger.Error("drop review failed", zap.String("copy_id", c.ID), zap.Error(err))
				failed = append(failed, dto.ItemFailure{ID: c.ID, Reason: "failed to drop review"})
				continue
			}
			if review.CheckerID != "" {
				checkers[review.CheckerID] = struct{}{}
			}
		}
		c.ReviewStatus = models.ReviewStatusDropped
		c.ReviewStatusDate = &now
		c.ReviewDeadline = nil
		c.InReview = false
		if err := s.copies.Update(ctx, c); err != nil {
			s.logger.Error("release reviewed copy failed", zap.String("copy_id", c.ID), zap.Error(err))
			failed = append(failed, dto.ItemFailure{ID: c.ID, Reason: "failed to drop review"})
			continue
		}
		dropped = append(dropped, *c)
	}
	if len(dropped) == 0 {
		return dropped, failed
	}

	s.ledger.Record(ctx, s.ledger.Entries(models.LedgerDropped, reviewerID, dropped, reason)...)
	s.metrics.IncReviewsDropped(len(dropped))

	notifications := []models.Notification{{
		UserID:  reviewerID,
		Message: fmt.Sprintf("%d reviews were dropped", len(dropped)),
		URL:     reviewNotificationURL,
	}}
	for checker := range checkers {
		notifications = append(notifications, models.Notification{
			UserID:  checker,
			Message: "A review of your checked copy was dropped",
			URL:     reviewNotificationURL,
		})
	}
	if failedCount := s.notifier.Dispatch(ctx, notifications...); failedCount > 0 {
		s.logger.Warn("drop notifications partially failed", zap.Int("failed", failedCount))
	}
	s.publisher.Publish(ctx, paperIDsOf(dropped)...)
	return dropped, failed
}

func (s *ReviewService) review(ctx context.Context, id string) (*models.CopyReview, error) {
	review, err := s.reviews.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "review not found")
		}
		return nil, appErrors.Internal(err, "failed to load review")
	}
	return review, nil
}

func cloneJSON(src types.JSONText) types.JSONText {
	if src == nil {
		return nil
	}
	out := make(types.JSONText, len(src))
	copy(out, src)
	return out
}
