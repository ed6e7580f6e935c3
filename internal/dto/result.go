package dto

import "github.com/noah-isme/evaluation-api/internal/models"

// DeclareResultsRequest declares results from the given copies.
type DeclareResultsRequest struct {
	CopyIDs []string `json:"copyIds" validate:"required,min=1,dive,required"`
}

// DeclareOutcome is the per-copy result of a declaration batch.
type DeclareOutcome struct {
	CopyID string         `json:"copyId"`
	Result *models.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RankEntry places one student's result in the paper ranking.
type RankEntry struct {
	Rank          int     `json:"rank"`
	StudentID     string  `json:"studentId"`
	ResultID      string  `json:"resultId"`
	ObtainedMarks float64 `json:"obtainedMarks"`
	TotalMarks    float64 `json:"totalMarks"`
	Percentage    float64 `json:"percentage"`
}
