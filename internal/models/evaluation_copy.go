package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ResultDeclaredType tells whether a result is declared automatically or by a checker.
type ResultDeclaredType string

const (
	ResultDeclaredAuto   ResultDeclaredType = "auto"
	ResultDeclaredManual ResultDeclaredType = "manual"
)

// ReviewStatus enumerates the secondary review workflow states.
type ReviewStatus string

const (
	ReviewStatusNone       ReviewStatus = "none"
	ReviewStatusInReview   ReviewStatus = "in-review"
	ReviewStatusApproved   ReviewStatus = "approved"
	ReviewStatusRejected   ReviewStatus = "rejected"
	ReviewStatusRechecking ReviewStatus = "re-checking"
	ReviewStatusDropped    ReviewStatus = "dropped"
)

// Active reports whether a review currently holds the copy.
func (s ReviewStatus) Active() bool {
	return s == ReviewStatusInReview || s == ReviewStatusRechecking
}

// RejectionStatus enumerates the evaluator rejection states of a submitted copy.
type RejectionStatus string

const (
	RejectionStatusApproved   RejectionStatus = "approved"
	RejectionStatusRejected   RejectionStatus = "rejected"
	RejectionStatusReUploaded RejectionStatus = "re-uploaded"
)

// CheckingState is the derived position of a copy in the checking state machine.
type CheckingState string

const (
	CheckingUnassigned CheckingState = "unassigned"
	CheckingAssigned   CheckingState = "assigned"
	CheckingChecked    CheckingState = "checked"
	CheckingSubmitted  CheckingState = "submitted"
)

// AssociateTeacher is the checking sub-state of a copy.
type AssociateTeacher struct {
	TeacherID     *string    `db:"teacher_id" json:"teacher_id,omitempty"`
	IsEvaluator   bool       `db:"is_evaluator" json:"is_evaluator"`
	CheckedCopy   string     `db:"checked_copy" json:"checked_copy"`
	IsSubmitted   bool       `db:"is_submitted" json:"is_submitted"`
	AssignedTime  *time.Time `db:"assigned_time" json:"assigned_time,omitempty"`
	SubmittedTime *time.Time `db:"submitted_time" json:"submitted_time,omitempty"`
	LeaseDeadline *time.Time `db:"lease_deadline" json:"lease_deadline,omitempty"`
}

// Teacher returns the assignee id or an empty string.
func (a AssociateTeacher) Teacher() string {
	if a.TeacherID == nil {
		return ""
	}
	return *a.TeacherID
}

// ReviewDetails is the secondary review sub-state of a copy.
type ReviewDetails struct {
	ReviewerID       *string      `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewStatus     ReviewStatus `db:"review_status" json:"status"`
	ReviewStatusDate *time.Time   `db:"review_status_date" json:"status_date,omitempty"`
	ReviewDeadline   *time.Time   `db:"review_deadline" json:"status_duration,omitempty"`
	ReviewID         *string      `db:"review_id" json:"review_id,omitempty"`
	InReview         bool         `db:"in_review" json:"in_review"`
}

// Reviewer returns the reviewer id or an empty string.
func (r ReviewDetails) Reviewer() string {
	if r.ReviewerID == nil {
		return ""
	}
	return *r.ReviewerID
}

// RejectionDetails is the evaluator rejection sub-state of a copy.
type RejectionDetails struct {
	IsRejected      bool            `db:"is_rejected" json:"is_rejected"`
	RejectionStatus RejectionStatus `db:"rejection_status" json:"status,omitempty"`
	RejectionReason string          `db:"rejection_reason" json:"reason,omitempty"`
	RejectedDate    *time.Time      `db:"rejected_date" json:"rejected_date,omitempty"`
}

// SubmissionDetails carries the student's answer payload and marks.
type SubmissionDetails struct {
	TotalMarks    float64         `json:"total_marks"`
	ObtainedMarks float64         `json:"obtained_marks"`
	AnswerLink    string          `json:"answer_link,omitempty"`
	Answers       json.RawMessage `json:"answers,omitempty"`
}

// Value implements driver.Valuer.
func (s SubmissionDetails) Value() (driver.Value, error) { return valueJSON(s) }

// Scan implements sql.Scanner.
func (s *SubmissionDetails) Scan(src interface{}) error { return scanJSON(src, s) }

// EvaluationCopy is the checking record of one student's copy for one paper.
type EvaluationCopy struct {
	ID                 string             `db:"id" json:"id"`
	PaperID            string             `db:"paper_id" json:"paper_id"`
	StudentID          string             `db:"student_id" json:"student_id"`
	ResultDeclaredType ResultDeclaredType `db:"result_declared_type" json:"result_declared_type"`
	IsResultDeclared   bool               `db:"is_result_declared" json:"is_result_declared"`
	IsExamCompleted    bool               `db:"is_exam_completed" json:"is_exam_completed"`
	IsB2C              bool               `db:"is_b2c" json:"is_b2c"`

	AssociateTeacher `json:"associate_teacher"`
	ReviewDetails    `json:"evaluator_review_details"`
	RejectionDetails `json:"rejection_details"`

	SubmissionDetails SubmissionDetails `db:"submission_details" json:"submission_details"`
	CheckDetails      types.JSONText    `db:"check_details" json:"check_details,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// State derives the checking state with the same precedence the bundle aggregation uses.
func (c *EvaluationCopy) State() CheckingState {
	switch {
	case c.CheckedCopy != "" && !c.IsSubmitted:
		return CheckingChecked
	case c.TeacherID != nil && c.CheckedCopy == "":
		return CheckingAssigned
	case c.IsSubmitted && c.CheckedCopy != "":
		return CheckingSubmitted
	default:
		return CheckingUnassigned
	}
}

// ResetChecking returns the copy to the unassigned pool.
func (c *EvaluationCopy) ResetChecking() {
	c.TeacherID = nil
	c.CheckedCopy = ""
	c.IsSubmitted = false
	c.AssignedTime = nil
	c.SubmittedTime = nil
	c.LeaseDeadline = nil
}

// Rechecking reports whether a reviewer sent the copy back to its checker and the
// checker has not resubmitted it yet.
func (c *EvaluationCopy) Rechecking() bool {
	return c.InReview && c.ReviewStatus == ReviewStatusRechecking && !c.IsSubmitted
}

// ResetCheck discards the checked artifact and any submission while the evaluator keeps
// the copy. The checking lease is cleared until it is re-armed.
func (c *EvaluationCopy) ResetCheck() {
	c.CheckedCopy = ""
	c.CheckDetails = nil
	c.IsSubmitted = false
	c.SubmittedTime = nil
	c.LeaseDeadline = nil
	c.IsResultDeclared = false
}

// EvaluationCopyFilter constrains copy listings.
type EvaluationCopyFilter struct {
	PaperID   string
	TeacherID string
	StudentID string
	Declared  *bool
	Limit     int
	Offset    int
}
