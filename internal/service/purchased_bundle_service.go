package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/models"
)

type purchasedBundleStore interface {
	GetByBuyerPaper(ctx context.Context, buyerID, paperID string) (*models.PurchasedBundlePaper, error)
	Update(ctx context.Context, paper *models.PurchasedBundlePaper) error
}

// PurchasedBundleService mirrors copy transitions of B2C copies onto the buyer's purchased
// bundle. The buyer of a B2C copy is the student who submitted it.
type PurchasedBundleService struct {
	store  purchasedBundleStore
	logger *zap.Logger
	now    func() time.Time
}

// NewPurchasedBundleService constructs the sync service.
func NewPurchasedBundleService(store purchasedBundleStore, logger *zap.Logger) *PurchasedBundleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurchasedBundleService{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// MarkEvaluating runs when a B2C copy is handed to an evaluator.
func (s *PurchasedBundleService) MarkEvaluating(ctx context.Context, ec *models.EvaluationCopy) error {
	return s.mutate(ctx, ec, func(p *models.PurchasedBundlePaper) {
		p.Status = models.PaperStatusEvaluating
	})
}

// MarkCompleted stores the declared result on the purchased paper.
func (s *PurchasedBundleService) MarkCompleted(ctx context.Context, ec *models.EvaluationCopy, result *models.Result) error {
	return s.mutate(ctx, ec, func(p *models.PurchasedBundlePaper) {
		p.Status = models.PaperStatusCompleted
		p.ResultDetails = &models.ResultDetails{
			ResultID:      result.ID,
			ObtainedMarks: result.SubmissionDetails.ObtainedMarks,
			TotalMarks:    result.SubmissionDetails.TotalMarks,
			Percentage:    result.Percentage(),
		}
	})
}

// MarkRejected records an evaluator rejection ahead of older ones.
func (s *PurchasedBundleService) MarkRejected(ctx context.Context, ec *models.EvaluationCopy, reason, rejectedLink string) error {
	return s.mutate(ctx, ec, func(p *models.PurchasedBundlePaper) {
		p.Status = models.PaperStatusRejected
		record := models.RejectionRecord{
			CopyID:       ec.ID,
			Reason:       reason,
			RejectedLink: rejectedLink,
			Status:       models.RejectionStatusRejected,
			RejectedAt:   s.now(),
		}
		p.Rejections = append(models.RejectionRecords{record}, p.Rejections...)
	})
}

// MarkReUploaded flips the latest rejection once the student uploads a new copy.
func (s *PurchasedBundleService) MarkReUploaded(ctx context.Context, ec *models.EvaluationCopy) error {
	return s.mutate(ctx, ec, func(p *models.PurchasedBundlePaper) {
		s.flipLatest(p, models.RejectionStatusReUploaded)
	})
}

// MarkApproved flips the latest rejection and hands the paper back to evaluation.
func (s *PurchasedBundleService) MarkApproved(ctx context.Context, ec *models.EvaluationCopy) error {
	return s.mutate(ctx, ec, func(p *models.PurchasedBundlePaper) {
		s.flipLatest(p, models.RejectionStatusApproved)
		p.Status = models.PaperStatusEvaluating
	})
}

func (s *PurchasedBundleService) flipLatest(p *models.PurchasedBundlePaper, status models.RejectionStatus) {
	if len(p.Rejections) == 0 {
		return
	}
	now := s.now()
	p.Rejections[0].Status = status
	p.Rejections[0].UpdatedAt = &now
}

func (s *PurchasedBundleService) mutate(ctx context.Context, ec *models.EvaluationCopy, apply func(*models.PurchasedBundlePaper)) error {
	if s == nil || ec == nil || !ec.IsB2C {
		return nil
	}
	paper, err := s.store.GetByBuyerPaper(ctx, ec.StudentID, ec.PaperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("no purchased bundle for b2c copy", zap.String("copy_id", ec.ID), zap.String("buyer_id", ec.StudentID))
			return nil
		}
		return fmt.Errorf("load purchased paper: %w", err)
	}
	apply(paper)
	if err := s.store.Update(ctx, paper); err != nil {
		return fmt.Errorf("update purchased paper: %w", err)
	}
	return nil
}
