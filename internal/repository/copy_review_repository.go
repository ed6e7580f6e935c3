package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evaluation-api/internal/models"
)

const copyReviewColumns = `id, evaluation_copy_id, paper_id, reviewer_id, checker_id, status, draw_history, history, created_at, updated_at`

// CopyReviewRepository persists review records.
type CopyReviewRepository struct {
	db *sqlx.DB
}

// NewCopyReviewRepository constructs the repository.
func NewCopyReviewRepository(db *sqlx.DB) *CopyReviewRepository {
	return &CopyReviewRepository{db: db}
}

// Create inserts a review record.
func (r *CopyReviewRepository) Create(ctx context.Context, review *models.CopyReview) error {
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	review.CreatedAt = now
	review.UpdatedAt = now
	if len(review.DrawHistory) == 0 {
		review.DrawHistory = emptyJSONObject
	}
	const query = `INSERT INTO copy_reviews (` + copyReviewColumns + `)
VALUES (:id, :evaluation_copy_id, :paper_id, :reviewer_id, :checker_id, :status, :draw_history, :history, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, review); err != nil {
		return fmt.Errorf("create copy review: %w", err)
	}
	return nil
}

// GetByID fetches a review record.
func (r *CopyReviewRepository) GetByID(ctx context.Context, id string) (*models.CopyReview, error) {
	query := `SELECT ` + copyReviewColumns + ` FROM copy_reviews WHERE id = $1`
	var review models.CopyReview
	if err := r.db.GetContext(ctx, &review, query, id); err != nil {
		return nil, fmt.Errorf("get copy review %s: %w", id, err)
	}
	return &review, nil
}

// Update writes status, snapshot and history of a review.
func (r *CopyReviewRepository) Update(ctx context.Context, review *models.CopyReview) error {
	review.UpdatedAt = time.Now().UTC()
	const query = `UPDATE copy_reviews SET status = :status, draw_history = :draw_history, history = :history,
reviewer_id = :reviewer_id, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, review)
	if err != nil {
		return fmt.Errorf("update copy review %s: %w", review.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update copy review rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
