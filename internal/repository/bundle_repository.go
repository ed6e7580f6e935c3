package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evaluation-api/internal/models"
)

const bundleColumns = `id, paper_id, is_evaluator, un_assigned_copies, assigned_copies, checked_copies,
submitted_copies, inreview_copies, no_of_copies, completed, created_at, updated_at`

// BundleRepository persists the per-paper bundle read model.
type BundleRepository struct {
	db *sqlx.DB
}

// NewBundleRepository constructs the repository.
func NewBundleRepository(db *sqlx.DB) *BundleRepository {
	return &BundleRepository{db: db}
}

// Upsert writes the bundle for its paper, keeping the existing id on conflict.
func (r *BundleRepository) Upsert(ctx context.Context, bundle *models.Bundle) error {
	if bundle.ID == "" {
		bundle.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = now
	}
	bundle.UpdatedAt = now

	const query = `INSERT INTO bundles (` + bundleColumns + `)
VALUES (:id, :paper_id, :is_evaluator, :un_assigned_copies, :assigned_copies, :checked_copies,
:submitted_copies, :inreview_copies, :no_of_copies, :completed, :created_at, :updated_at)
ON CONFLICT (paper_id) DO UPDATE SET
is_evaluator = EXCLUDED.is_evaluator, un_assigned_copies = EXCLUDED.un_assigned_copies,
assigned_copies = EXCLUDED.assigned_copies, checked_copies = EXCLUDED.checked_copies,
submitted_copies = EXCLUDED.submitted_copies, inreview_copies = EXCLUDED.inreview_copies,
no_of_copies = EXCLUDED.no_of_copies, completed = EXCLUDED.completed, updated_at = EXCLUDED.updated_at
RETURNING id, created_at`
	rows, err := r.db.NamedQueryContext(ctx, query, bundle)
	if err != nil {
		return fmt.Errorf("upsert bundle for paper %s: %w", bundle.PaperID, err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&bundle.ID, &bundle.CreatedAt); err != nil {
			return fmt.Errorf("scan upserted bundle: %w", err)
		}
	}
	return rows.Err()
}

// GetByPaper fetches the bundle of a paper.
func (r *BundleRepository) GetByPaper(ctx context.Context, paperID string) (*models.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE paper_id = $1`
	var bundle models.Bundle
	if err := r.db.GetContext(ctx, &bundle, query, paperID); err != nil {
		return nil, fmt.Errorf("get bundle for paper %s: %w", paperID, err)
	}
	return &bundle, nil
}

// GetByID fetches a bundle by its id.
func (r *BundleRepository) GetByID(ctx context.Context, id string) (*models.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = $1`
	var bundle models.Bundle
	if err := r.db.GetContext(ctx, &bundle, query, id); err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", id, err)
	}
	return &bundle, nil
}

// ListOpen returns evaluator bundles for marketplace browsing, newest activity first.
func (r *BundleRepository) ListOpen(ctx context.Context, filter models.BundleFilter) ([]models.Bundle, int, error) {
	conditions := []string{"is_evaluator = TRUE"}
	if !filter.IncludeCompleted {
		conditions = append(conditions, "completed = FALSE")
	}
	if filter.HasUnassigned {
		conditions = append(conditions, "COALESCE((un_assigned_copies->>'no_of_copies')::int, 0) > 0")
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM bundles WHERE `+where); err != nil {
		return nil, 0, fmt.Errorf("count bundles: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE ` + where + ` ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
	var bundles []models.Bundle
	if err := r.db.SelectContext(ctx, &bundles, query, limit, filter.Offset); err != nil {
		return nil, 0, fmt.Errorf("list bundles: %w", err)
	}
	return bundles, total, nil
}
