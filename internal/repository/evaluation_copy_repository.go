package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/noah-isme/evaluation-api/internal/models"
	"github.com/noah-isme/evaluation-api/pkg/database"
)

const evaluationCopyColumns = `id, paper_id, student_id, result_declared_type, is_result_declared, is_exam_completed, is_b2c,
teacher_id, is_evaluator, checked_copy, is_submitted, assigned_time, submitted_time, lease_deadline,
reviewer_id, review_status, review_status_date, review_deadline, review_id, in_review,
is_rejected, rejection_status, rejection_reason, rejected_date,
submission_details, check_details, created_at, updated_at`

var emptyJSONObject = types.JSONText(`{}`)

// EvaluationCopyRepository persists evaluation copies.
type EvaluationCopyRepository struct {
	db *sqlx.DB
}

// NewEvaluationCopyRepository constructs the repository.
func NewEvaluationCopyRepository(db *sqlx.DB) *EvaluationCopyRepository {
	return &EvaluationCopyRepository{db: db}
}

// Create inserts a new copy, assigning id and timestamps when missing.
func (r *EvaluationCopyRepository) Create(ctx context.Context, ec *models.EvaluationCopy) error {
	if ec.ID == "" {
		ec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now
	normaliseCopy(ec)

	const query = `INSERT INTO evaluation_copies (` + evaluationCopyColumns + `)
VALUES (:id, :paper_id, :student_id, :result_declared_type, :is_result_declared, :is_exam_completed, :is_b2c,
:teacher_id, :is_evaluator, :checked_copy, :is_submitted, :assigned_time, :submitted_time, :lease_deadline,
:reviewer_id, :review_status, :review_status_date, :review_deadline, :review_id, :in_review,
:is_rejected, :rejection_status, :rejection_reason, :rejected_date,
:submission_details, :check_details, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, ec); err != nil {
		return fmt.Errorf("create evaluation copy: %w", err)
	}
	return nil
}

// GetByID fetches a copy. Missing rows surface as sql.ErrNoRows.
func (r *EvaluationCopyRepository) GetByID(ctx context.Context, id string) (*models.EvaluationCopy, error) {
	query := `SELECT ` + evaluationCopyColumns + ` FROM evaluation_copies WHERE id = $1`
	var ec models.EvaluationCopy
	if err := r.db.GetContext(ctx, &ec, query, id); err != nil {
		return nil, fmt.Errorf("get evaluation copy %s: %w", id, err)
	}
	return &ec, nil
}

// ListByIDs returns the copies whose ids are in the slice. Unknown ids are ignored.
func (r *EvaluationCopyRepository) ListByIDs(ctx context.Context, ids []string) ([]models.EvaluationCopy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + evaluationCopyColumns + ` FROM evaluation_copies WHERE id = ANY($1) ORDER BY created_at ASC`
	var copies []models.EvaluationCopy
	if err := r.db.SelectContext(ctx, &copies, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list evaluation copies by ids: %w", err)
	}
	return copies, nil
}

// ListByPaper returns every copy of a paper.
func (r *EvaluationCopyRepository) ListByPaper(ctx context.Context, paperID string) ([]models.EvaluationCopy, error) {
	query := `SELECT ` + evaluationCopyColumns + ` FROM evaluation_copies WHERE paper_id = $1 ORDER BY created_at ASC`
	var copies []models.EvaluationCopy
	if err := r.db.SelectContext(ctx, &copies, query, paperID); err != nil {
		return nil, fmt.Errorf("list evaluation copies for paper %s: %w", paperID, err)
	}
	return copies, nil
}

// List returns copies matching the filter along with the total count.
func (r *EvaluationCopyRepository) List(ctx context.Context, filter models.EvaluationCopyFilter) ([]models.EvaluationCopy, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	if filter.PaperID != "" {
		args = append(args, filter.PaperID)
		conditions = append(conditions, fmt.Sprintf("paper_id = $%d", len(args)))
	}
	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.Declared != nil {
		args = append(args, *filter.Declared)
		conditions = append(conditions, fmt.Sprintf("is_result_declared = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM evaluation_copies WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count evaluation copies: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM evaluation_copies WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		evaluationCopyColumns, where, len(args)-1, len(args))

	var copies []models.EvaluationCopy
	if err := r.db.SelectContext(ctx, &copies, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list evaluation copies: %w", err)
	}
	return copies, total, nil
}

// Update writes every mutable column of the copy.
func (r *EvaluationCopyRepository) Update(ctx context.Context, ec *models.EvaluationCopy) error {
	ec.UpdatedAt = time.Now().UTC()
	normaliseCopy(ec)
	const query = `UPDATE evaluation_copies SET
result_declared_type = :result_declared_type, is_result_declared = :is_result_declared,
is_exam_completed = :is_exam_completed, is_b2c = :is_b2c,
teacher_id = :teacher_id, is_evaluator = :is_evaluator, checked_copy = :checked_copy, is_submitted = :is_submitted,
assigned_time = :assigned_time, submitted_time = :submitted_time, lease_deadline = :lease_deadline,
reviewer_id = :reviewer_id, review_status = :review_status, review_status_date = :review_status_date,
review_deadline = :review_deadline, review_id = :review_id, in_review = :in_review,
is_rejected = :is_rejected, rejection_status = :rejection_status, rejection_reason = :rejection_reason,
rejected_date = :rejected_date, submission_details = :submission_details, check_details = :check_details,
updated_at = :updated_at
WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, ec)
	if err != nil {
		return fmt.Errorf("update evaluation copy %s: %w", ec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evaluation copy rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkChecked stores the checked link while the copy is still unchecked. It reports
// false when another writer already checked the copy.
func (r *EvaluationCopyRepository) MarkChecked(ctx context.Context, id, link string, details types.JSONText) (bool, error) {
	var detailsArg interface{}
	if len(details) > 0 {
		detailsArg = string(details)
	}
	const query = `UPDATE evaluation_copies
SET checked_copy = $2, check_details = COALESCE($3, check_details), updated_at = $4
WHERE id = $1 AND checked_copy = ''`
	res, err := r.db.ExecContext(ctx, query, id, link, detailsArg, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark evaluation copy %s checked: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark checked rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListLeaseExpired returns assigned, unchecked copies whose checking lease has passed.
func (r *EvaluationCopyRepository) ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error) {
	query := `SELECT ` + evaluationCopyColumns + ` FROM evaluation_copies
WHERE teacher_id IS NOT NULL AND checked_copy = '' AND lease_deadline IS NOT NULL AND lease_deadline <= $1
ORDER BY lease_deadline ASC LIMIT $2`
	var copies []models.EvaluationCopy
	if err := r.db.SelectContext(ctx, &copies, query, now, limit); err != nil {
		return nil, fmt.Errorf("list lease expired copies: %w", err)
	}
	return copies, nil
}

// ListReviewExpired returns copies whose review lease or re-check lease has passed.
func (r *EvaluationCopyRepository) ListReviewExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error) {
	query := `SELECT ` + evaluationCopyColumns + ` FROM evaluation_copies
WHERE in_review = TRUE AND review_status IN ('in-review', 're-checking') AND review_deadline IS NOT NULL AND review_deadline <= $1
ORDER BY review_deadline ASC LIMIT $2`
	var copies []models.EvaluationCopy
	if err := r.db.SelectContext(ctx, &copies, query, now, limit); err != nil {
		return nil, fmt.Errorf("list review expired copies: %w", err)
	}
	return copies, nil
}

// ReclaimExpired clears the assignment only while the copy still carries the lease the
// sweep observed: same assigned_time and still unchecked.
func (r *EvaluationCopyRepository) ReclaimExpired(ctx context.Context, id string, assignedAt time.Time) (bool, error) {
	const query = `UPDATE evaluation_copies
SET teacher_id = NULL, checked_copy = '', is_submitted = FALSE, assigned_time = NULL, lease_deadline = NULL, updated_at = $3
WHERE id = $1 AND assigned_time = $2 AND checked_copy = '' AND teacher_id IS NOT NULL`
	res, err := r.db.ExecContext(ctx, query, id, assignedAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reclaim evaluation copy %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetResultDeclared flags exactly one copy of the (paper, student) pair as declared and
// clears the flag on every sibling in the same statement.
func (r *EvaluationCopyRepository) SetResultDeclared(ctx context.Context, paperID, studentID, copyID string) error {
	const query = `UPDATE evaluation_copies
SET is_result_declared = (id = $3), updated_at = $4
WHERE paper_id = $1 AND student_id = $2`
	res, err := r.db.ExecContext(ctx, query, paperID, studentID, copyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set result declared for %s/%s: %w", paperID, studentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set result declared rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteByIDs removes copies and reports how many rows went away.
func (r *EvaluationCopyRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM evaluation_copies WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete evaluation copies: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete evaluation copies rows affected: %w", err)
	}
	return affected, nil
}

// DeleteWithResults removes copies and the results pointing at them in one transaction.
func (r *EvaluationCopyRepository) DeleteWithResults(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE evaluation_copy_id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete results for copies: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM evaluation_copies WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("delete evaluation copies: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("delete evaluation copies rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func normaliseCopy(ec *models.EvaluationCopy) {
	if len(ec.CheckDetails) == 0 {
		ec.CheckDetails = emptyJSONObject
	}
	if ec.ReviewStatus == "" {
		ec.ReviewStatus = models.ReviewStatusNone
	}
	if ec.ResultDeclaredType == "" {
		ec.ResultDeclaredType = models.ResultDeclaredManual
	}
}
