package models

import (
	"time"

	"github.com/lib/pq"
)

// LedgerAction enumerates evaluator lifecycle transitions recorded in the ledger.
type LedgerAction string

const (
	LedgerAssigned  LedgerAction = "Assigned"
	LedgerWithdrawn LedgerAction = "Withdrawn"
	LedgerSubmitted LedgerAction = "Submitted"
	LedgerInreview  LedgerAction = "Inreview"
	LedgerDropped   LedgerAction = "Dropped"
	LedgerReviewed  LedgerAction = "Reviewed"
	LedgerRecheck   LedgerAction = "Recheck"
)

// EvaluatorHistory is an immutable ledger entry; only Paid flips, on payout.
type EvaluatorHistory struct {
	ID          string         `db:"id" json:"id"`
	Action      LedgerAction   `db:"action" json:"action"`
	EvaluatorID string         `db:"evaluator_id" json:"evaluator_id"`
	PaperID     string         `db:"paper_id" json:"paper_id"`
	Copies      pq.StringArray `db:"copies" json:"copies"`
	Amount      float64        `db:"amount" json:"amount"`
	Bonus       float64        `db:"bonus" json:"bonus"`
	Penalty     float64        `db:"penalty" json:"penalty"`
	Rating      *float64       `db:"rating" json:"rating,omitempty"`
	Reason      *string        `db:"reason" json:"reason,omitempty"`
	Paid        bool           `db:"paid" json:"paid"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// Net is the payable value of the entry.
func (h *EvaluatorHistory) Net() float64 {
	return h.Amount + h.Bonus - h.Penalty
}

// EvaluatorHistoryFilter constrains ledger listings.
type EvaluatorHistoryFilter struct {
	EvaluatorID string
	Actions     []LedgerAction
	Paid        *bool
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// LedgerTotals aggregates net ledger value by payout state.
type LedgerTotals struct {
	Pending float64 `db:"pending" json:"pending"`
	Paid    float64 `db:"paid" json:"paid"`
}

// EvaluatorRating is the average of rated ledger entries of one evaluator.
type EvaluatorRating struct {
	EvaluatorID string  `db:"evaluator_id" json:"evaluator_id"`
	Average     float64 `db:"average" json:"average"`
	Count       int     `db:"count" json:"count"`
}
