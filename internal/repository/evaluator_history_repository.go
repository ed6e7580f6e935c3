package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/evaluation-api/internal/models"
)

const evaluatorHistoryColumns = `id, action, evaluator_id, paper_id, copies, amount, bonus, penalty, rating, reason, paid, created_at`

// EvaluatorHistoryRepository is the append-only evaluator ledger.
type EvaluatorHistoryRepository struct {
	db *sqlx.DB
}

// NewEvaluatorHistoryRepository constructs the repository.
func NewEvaluatorHistoryRepository(db *sqlx.DB) *EvaluatorHistoryRepository {
	return &EvaluatorHistoryRepository{db: db}
}

// Create appends one ledger entry.
func (r *EvaluatorHistoryRepository) Create(ctx context.Context, entry *models.EvaluatorHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Copies == nil {
		entry.Copies = pq.StringArray{}
	}
	const query = `INSERT INTO evaluator_histories (` + evaluatorHistoryColumns + `)
VALUES (:id, :action, :evaluator_id, :paper_id, :copies, :amount, :bonus, :penalty, :rating, :reason, :paid, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create evaluator history: %w", err)
	}
	return nil
}

// List returns ledger entries matching the filter, newest first, with the total count.
func (r *EvaluatorHistoryRepository) List(ctx context.Context, filter models.EvaluatorHistoryFilter) ([]models.EvaluatorHistory, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	if filter.EvaluatorID != "" {
		args = append(args, filter.EvaluatorID)
		conditions = append(conditions, fmt.Sprintf("evaluator_id = $%d", len(args)))
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			actions[i] = string(action)
		}
		args = append(args, pq.Array(actions))
		conditions = append(conditions, fmt.Sprintf("action = ANY($%d)", len(args)))
	}
	if filter.Paid != nil {
		args = append(args, *filter.Paid)
		conditions = append(conditions, fmt.Sprintf("paid = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM evaluator_histories WHERE `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count evaluator histories: %w", err)
	}

	query := `SELECT ` + evaluatorHistoryColumns + ` FROM evaluator_histories WHERE ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	var entries []models.EvaluatorHistory
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list evaluator histories: %w", err)
	}
	return entries, total, nil
}

// AverageRating averages the ratings carried on an evaluator's Submitted entries.
func (r *EvaluatorHistoryRepository) AverageRating(ctx context.Context, evaluatorID string) (*models.EvaluatorRating, error) {
	const query = `SELECT $1::text AS evaluator_id, COALESCE(AVG(rating), 0) AS average, COUNT(rating) AS count
FROM evaluator_histories WHERE evaluator_id = $1 AND action = 'Submitted' AND rating IS NOT NULL`
	var rating models.EvaluatorRating
	if err := r.db.GetContext(ctx, &rating, query, evaluatorID); err != nil {
		return nil, fmt.Errorf("average rating for %s: %w", evaluatorID, err)
	}
	return &rating, nil
}

// Totals sums the net value of an evaluator's entries by payout state.
func (r *EvaluatorHistoryRepository) Totals(ctx context.Context, evaluatorID string) (*models.LedgerTotals, error) {
	const query = `SELECT
COALESCE(SUM(amount + bonus - penalty) FILTER (WHERE paid = FALSE), 0) AS pending,
COALESCE(SUM(amount + bonus - penalty) FILTER (WHERE paid = TRUE), 0) AS paid
FROM evaluator_histories WHERE evaluator_id = $1`
	var totals models.LedgerTotals
	if err := r.db.GetContext(ctx, &totals, query, evaluatorID); err != nil {
		return nil, fmt.Errorf("ledger totals for %s: %w", evaluatorID, err)
	}
	return &totals, nil
}

// MarkPaid flips unpaid entries of an evaluator to paid. Empty ids marks every unpaid entry.
func (r *EvaluatorHistoryRepository) MarkPaid(ctx context.Context, evaluatorID string, ids []string) (int64, error) {
	query := `UPDATE evaluator_histories SET paid = TRUE WHERE evaluator_id = $1 AND paid = FALSE`
	args := []interface{}{evaluatorID}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, pq.Array(ids))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark ledger paid for %s: %w", evaluatorID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark ledger paid rows affected: %w", err)
	}
	return affected, nil
}
