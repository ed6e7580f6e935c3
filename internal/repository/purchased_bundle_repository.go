package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evaluation-api/internal/models"
)

const purchasedBundlePaperColumns = `id, bundle_id, buyer_id, paper_id, status, result_details, rejections, updated_at`

// PurchasedBundleRepository reads and writes the paper entries of buyers' purchased bundles.
type PurchasedBundleRepository struct {
	db *sqlx.DB
}

// NewPurchasedBundleRepository constructs the repository.
func NewPurchasedBundleRepository(db *sqlx.DB) *PurchasedBundleRepository {
	return &PurchasedBundleRepository{db: db}
}

// GetByBuyerPaper fetches the purchased entry of a buyer for one paper.
func (r *PurchasedBundleRepository) GetByBuyerPaper(ctx context.Context, buyerID, paperID string) (*models.PurchasedBundlePaper, error) {
	query := `SELECT ` + purchasedBundlePaperColumns + ` FROM purchased_bundle_papers
WHERE buyer_id = $1 AND paper_id = $2 ORDER BY updated_at DESC LIMIT 1`
	var paper models.PurchasedBundlePaper
	if err := r.db.GetContext(ctx, &paper, query, buyerID, paperID); err != nil {
		return nil, fmt.Errorf("get purchased paper %s for buyer %s: %w", paperID, buyerID, err)
	}
	return &paper, nil
}

// Update writes status, result details and rejection records.
func (r *PurchasedBundleRepository) Update(ctx context.Context, paper *models.PurchasedBundlePaper) error {
	paper.UpdatedAt = time.Now().UTC()
	if paper.Rejections == nil {
		paper.Rejections = models.RejectionRecords{}
	}
	const query = `UPDATE purchased_bundle_papers SET status = :status, result_details = :result_details,
rejections = :rejections, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, paper)
	if err != nil {
		return fmt.Errorf("update purchased paper %s: %w", paper.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update purchased paper rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
