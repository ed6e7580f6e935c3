package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// ErrResultExists is returned by Create when the (paper, student) pair already has a result.
var ErrResultExists = errors.New("result already exists")

const resultColumns = `id, paper_id, student_id, evaluation_copy_id, associate_teacher, submission_details,
checked_teachers, declared_by, updated_by, created_at, updated_at`

// ResultRepository persists declared results.
type ResultRepository struct {
	db *sqlx.DB
}

// NewResultRepository constructs the repository.
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// GetByPaperStudent fetches the result of a (paper, student) pair.
func (r *ResultRepository) GetByPaperStudent(ctx context.Context, paperID, studentID string) (*models.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE paper_id = $1 AND student_id = $2`
	var result models.Result
	if err := r.db.GetContext(ctx, &result, query, paperID, studentID); err != nil {
		return nil, fmt.Errorf("get result %s/%s: %w", paperID, studentID, err)
	}
	return &result, nil
}

// Create inserts a result. A concurrent insert for the same pair yields ErrResultExists
// so the caller can fall back to Replace.
func (r *ResultRepository) Create(ctx context.Context, result *models.Result) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	result.CreatedAt = now
	result.UpdatedAt = now
	if result.CheckedTeachers == nil {
		result.CheckedTeachers = pq.StringArray{}
	}

	const query = `INSERT INTO results (` + resultColumns + `)
VALUES (:id, :paper_id, :student_id, :evaluation_copy_id, :associate_teacher, :submission_details,
:checked_teachers, :declared_by, :updated_by, :created_at, :updated_at)
ON CONFLICT (paper_id, student_id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, result)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create result rows affected: %w", err)
	}
	if affected == 0 {
		return ErrResultExists
	}
	return nil
}

// Replace overwrites the declared content of an existing (paper, student) result.
func (r *ResultRepository) Replace(ctx context.Context, result *models.Result) error {
	result.UpdatedAt = time.Now().UTC()
	if result.CheckedTeachers == nil {
		result.CheckedTeachers = pq.StringArray{}
	}
	const query = `UPDATE results SET
evaluation_copy_id = :evaluation_copy_id, associate_teacher = :associate_teacher,
submission_details = :submission_details, checked_teachers = :checked_teachers,
updated_by = :updated_by, updated_at = :updated_at
WHERE paper_id = :paper_id AND student_id = :student_id`
	res, err := r.db.NamedExecContext(ctx, query, result)
	if err != nil {
		return fmt.Errorf("replace result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace result rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByPaper returns the results of a paper ordered by obtained marks, highest first.
func (r *ResultRepository) ListByPaper(ctx context.Context, paperID string) ([]models.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE paper_id = $1
ORDER BY COALESCE((submission_details->>'obtained_marks')::numeric, 0) DESC, created_at ASC`
	var results []models.Result
	if err := r.db.SelectContext(ctx, &results, query, paperID); err != nil {
		return nil, fmt.Errorf("list results for paper %s: %w", paperID, err)
	}
	return results, nil
}

// DeleteByCopyIDs removes results declared from the given copies.
func (r *ResultRepository) DeleteByCopyIDs(ctx context.Context, copyIDs []string) (int64, error) {
	if len(copyIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM results WHERE evaluation_copy_id = ANY($1)`, pq.Array(copyIDs))
	if err != nil {
		return 0, fmt.Errorf("delete results by copies: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete results rows affected: %w", err)
	}
	return affected, nil
}
