package dto

import (
	"encoding/json"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// CreateCopyRequest registers a student's submitted copy for checking.
type CreateCopyRequest struct {
	PaperID           string                   `json:"paperId" validate:"required"`
	StudentID         string                   `json:"studentId" validate:"required"`
	IsExamCompleted   bool                     `json:"isExamCompleted"`
	SubmissionDetails models.SubmissionDetails `json:"submissionDetails"`
}

// AssignCopiesRequest hands copies to an evaluator.
type AssignCopiesRequest struct {
	CopyIDs     []string `json:"copyIds" validate:"required,min=1,dive,required"`
	EvaluatorID string   `json:"evaluatorId" validate:"required"`
}

// CheckCopyRequest stores the evaluator's checked artifact.
type CheckCopyRequest struct {
	CheckedCopy  string          `json:"checkedCopy" validate:"required"`
	CheckDetails json.RawMessage `json:"checkDetails,omitempty"`
}

// SubmitCopiesRequest finalises checked copies of one evaluator.
type SubmitCopiesRequest struct {
	CopyIDs     []string `json:"copyIds" validate:"required,min=1,dive,required"`
	EvaluatorID string   `json:"evaluatorId" validate:"required"`
	IsB2C       bool     `json:"isB2c"`
	Rating      *float64 `json:"rating,omitempty" validate:"omitempty,gte=0,lte=5"`
}

// ReclaimCopiesRequest returns copies to the unassigned pool.
type ReclaimCopiesRequest struct {
	CopyIDs     []string `json:"copyIds" validate:"required,min=1,dive,required"`
	EvaluatorID string   `json:"evaluatorId" validate:"required"`
	Reason      string   `json:"reason" validate:"required,max=500"`
}

// RejectionUpdateRequest moves a submitted copy through the evaluator rejection flow.
type RejectionUpdateRequest struct {
	Status      models.RejectionStatus `json:"status" validate:"required,oneof=rejected re-uploaded approved"`
	Reason      string                 `json:"reason" validate:"required_if=Status rejected,max=500"`
	NewCopyLink string                 `json:"newCopyLink" validate:"required_if=Status re-uploaded"`
}

// DeleteCopiesRequest removes copies and the results declared from them.
type DeleteCopiesRequest struct {
	CopyIDs []string `json:"copyIds" validate:"required,min=1,dive,required"`
}

// CopyQuery mirrors supported listing filters.
type CopyQuery struct {
	PaperID   string
	TeacherID string
	StudentID string
	Declared  *bool
	Page      int
	PageSize  int
}

// ItemFailure explains why one item of a batch was not applied.
type ItemFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CopyBatchResponse reports the per-item outcome of a bulk copy transition.
type CopyBatchResponse struct {
	Copies []models.EvaluationCopy `json:"copies"`
	Failed []ItemFailure           `json:"failed,omitempty"`
}

// DeleteCopiesResponse summarises a removal.
type DeleteCopiesResponse struct {
	Deleted int64    `json:"deleted"`
	Papers  []string `json:"papers"`
}
