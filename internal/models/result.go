package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// AssociateTeacherSnapshot freezes the checking sub-state at declaration time.
type AssociateTeacherSnapshot AssociateTeacher

// Value implements driver.Valuer.
func (s AssociateTeacherSnapshot) Value() (driver.Value, error) { return valueJSON(s) }

// Scan implements sql.Scanner.
func (s *AssociateTeacherSnapshot) Scan(src interface{}) error { return scanJSON(src, s) }

// Result is the declared outcome for one (paper, student) pair.
type Result struct {
	ID                string                   `db:"id" json:"id"`
	PaperID           string                   `db:"paper_id" json:"paper_id"`
	StudentID         string                   `db:"student_id" json:"student_id"`
	EvaluationCopyID  string                   `db:"evaluation_copy_id" json:"evaluation_copy_id"`
	AssociateTeacher  AssociateTeacherSnapshot `db:"associate_teacher" json:"associate_teacher"`
	SubmissionDetails SubmissionDetails        `db:"submission_details" json:"submission_details"`
	CheckedTeachers   pq.StringArray           `db:"checked_teachers" json:"checked_teachers"`
	DeclaredBy        string                   `db:"declared_by" json:"declared_by"`
	UpdatedBy         *string                  `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt         time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `db:"updated_at" json:"updated_at"`
}

// Percentage returns obtained/total as a fraction; callers scale for display.
func (r *Result) Percentage() float64 {
	return Percentage(r.SubmissionDetails.ObtainedMarks, r.SubmissionDetails.TotalMarks)
}

// Percentage is obtained/total, zero when total is not positive.
func Percentage(obtained, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return obtained / total
}
