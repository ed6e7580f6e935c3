package models

import (
	"database/sql/driver"
	"time"
)

// PaperStatus is the buyer-facing status of a paper inside a purchased bundle.
type PaperStatus string

const (
	PaperStatusLocked     PaperStatus = "locked"
	PaperStatusUnlocked   PaperStatus = "unlocked"
	PaperStatusScheduled  PaperStatus = "scheduled"
	PaperStatusAttempted  PaperStatus = "attempted"
	PaperStatusEvaluating PaperStatus = "evaluating"
	PaperStatusRejected   PaperStatus = "rejected"
	PaperStatusCompleted  PaperStatus = "completed"
)

// ResultDetails summarises a declared result on the purchased bundle.
type ResultDetails struct {
	ResultID      string  `json:"result_id"`
	ObtainedMarks float64 `json:"obtained_marks"`
	TotalMarks    float64 `json:"total_marks"`
	Percentage    float64 `json:"percentage"`
}

// Value implements driver.Valuer.
func (d ResultDetails) Value() (driver.Value, error) { return valueJSON(d) }

// Scan implements sql.Scanner.
func (d *ResultDetails) Scan(src interface{}) error { return scanJSON(src, d) }

// RejectionRecord captures one evaluator rejection of a submitted copy.
type RejectionRecord struct {
	CopyID       string          `json:"copy_id"`
	Reason       string          `json:"reason"`
	RejectedLink string          `json:"rejected_link,omitempty"`
	Status       RejectionStatus `json:"status"`
	RejectedAt   time.Time       `json:"rejected_at"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

// RejectionRecords is ordered newest first.
type RejectionRecords []RejectionRecord

// Value implements driver.Valuer.
func (r RejectionRecords) Value() (driver.Value, error) {
	if r == nil {
		r = RejectionRecords{}
	}
	return valueJSON([]RejectionRecord(r))
}

// Scan implements sql.Scanner.
func (r *RejectionRecords) Scan(src interface{}) error {
	return scanJSON(src, (*[]RejectionRecord)(r))
}

// PurchasedBundlePaper is one paper of a buyer's purchased bundle.
type PurchasedBundlePaper struct {
	ID            string           `db:"id" json:"id"`
	BundleID      string           `db:"bundle_id" json:"bundle_id"`
	BuyerID       string           `db:"buyer_id" json:"buyer_id"`
	PaperID       string           `db:"paper_id" json:"paper_id"`
	Status        PaperStatus      `db:"status" json:"status"`
	ResultDetails *ResultDetails   `db:"result_details" json:"result_details,omitempty"`
	Rejections    RejectionRecords `db:"rejections" json:"rejections"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}
