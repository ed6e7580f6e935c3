package dto

import "time"

// WalletResponse summarises an evaluator's earnings.
type WalletResponse struct {
	EvaluatorID string  `json:"evaluatorId"`
	Pending     float64 `json:"pending"`
	Paid        float64 `json:"paid"`
	Total       float64 `json:"total"`
}

// RatingResponse exposes an evaluator's derived rating.
type RatingResponse struct {
	EvaluatorID string  `json:"evaluatorId"`
	Rating      float64 `json:"rating"`
	RatedCount  int     `json:"ratedCount"`
}

// StatementQuery selects the ledger window and format of a statement export.
type StatementQuery struct {
	Format string     `validate:"omitempty,oneof=csv pdf"`
	From   *time.Time `validate:"-"`
	To     *time.Time `validate:"-"`
}

// PayoutRequest marks ledger entries paid. Empty EntryIDs settles every unpaid entry.
type PayoutRequest struct {
	EntryIDs []string `json:"entryIds" validate:"omitempty,dive,required"`
}

// PayoutResponse reports how many entries were settled.
type PayoutResponse struct {
	Marked int64          `json:"marked"`
	Wallet WalletResponse `json:"wallet"`
}

// Statement is a rendered ledger export.
type Statement struct {
	Filename    string
	ContentType string
	Body        []byte
}
