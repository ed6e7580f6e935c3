package models

import (
	"database/sql/driver"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ReviewHistoryEntry records one status change of a review with the markup it saw.
type ReviewHistoryEntry struct {
	Status    ReviewStatus   `json:"status"`
	Snapshot  types.JSONText `json:"snapshot,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReviewHistory is the append-only log kept on a review.
type ReviewHistory []ReviewHistoryEntry

// Value implements driver.Valuer.
func (h ReviewHistory) Value() (driver.Value, error) {
	if h == nil {
		h = ReviewHistory{}
	}
	return valueJSON([]ReviewHistoryEntry(h))
}

// Scan implements sql.Scanner.
func (h *ReviewHistory) Scan(src interface{}) error {
	return scanJSON(src, (*[]ReviewHistoryEntry)(h))
}

// CopyReview is the secondary review record of one copy.
type CopyReview struct {
	ID               string         `db:"id" json:"id"`
	EvaluationCopyID string         `db:"evaluation_copy_id" json:"evaluation_copy_id"`
	PaperID          string         `db:"paper_id" json:"paper_id"`
	ReviewerID       string         `db:"reviewer_id" json:"reviewer_id"`
	CheckerID        string         `db:"checker_id" json:"checker_id"`
	Status           ReviewStatus   `db:"status" json:"status"`
	DrawHistory      types.JSONText `db:"draw_history" json:"draw_history,omitempty"`
	History          ReviewHistory  `db:"history" json:"history"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// Append adds a history entry.
func (r *CopyReview) Append(entry ReviewHistoryEntry) {
	r.History = append(r.History, entry)
	r.Status = entry.Status
}
