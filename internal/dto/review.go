package dto

import (
	"encoding/json"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// AssignReviewRequest routes checked copies of an evaluator paper to a reviewer.
type AssignReviewRequest struct {
	CopyIDs    []string `json:"copyIds" validate:"required,min=1,dive,required"`
	ReviewerID string   `json:"reviewerId" validate:"required"`
	PaperID    string   `json:"paperId" validate:"required"`
}

// SubmitReviewRequest records a reviewer decision.
type SubmitReviewRequest struct {
	Status       models.ReviewStatus `json:"status" validate:"required,oneof=in-review approved re-checking"`
	CheckDetails json.RawMessage     `json:"checkDetails,omitempty"`
	Comment      string              `json:"comment" validate:"max=1000"`
}

// DropReviewRequest abandons reviews and restores the pre-review markup.
type DropReviewRequest struct {
	CopyIDs    []string `json:"copyIds" validate:"required,min=1,dive,required"`
	ReviewerID string   `json:"reviewerId" validate:"required"`
	Reason     string   `json:"reason" validate:"max=500"`
}
