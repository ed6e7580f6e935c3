package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// PaperRepository reads the exam paper attributes the checking lifecycle depends on.
type PaperRepository struct {
	db *sqlx.DB
}

// NewPaperRepository constructs the repository.
func NewPaperRepository(db *sqlx.DB) *PaperRepository {
	return &PaperRepository{db: db}
}

// FindByID fetches a paper.
func (r *PaperRepository) FindByID(ctx context.Context, id string) (*models.Paper, error) {
	const query = `SELECT id, title, is_evaluator, is_b2c, paper_type, total_marks FROM papers WHERE id = $1`
	var paper models.Paper
	if err := r.db.GetContext(ctx, &paper, query, id); err != nil {
		return nil, fmt.Errorf("find paper %s: %w", id, err)
	}
	return &paper, nil
}
