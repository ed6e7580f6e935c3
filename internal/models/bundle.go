package models

import (
	"database/sql/driver"
	"time"
)

// BundleGroup lists copies sharing one assignee (teacher or reviewer).
type BundleGroup struct {
	TeacherID    string     `json:"teacher_id,omitempty"`
	Copies       []string   `json:"copies"`
	NoOfCopies   int        `json:"no_of_copies"`
	AssignedTime *time.Time `json:"assigned_time,omitempty"`
}

// Value implements driver.Valuer.
func (g BundleGroup) Value() (driver.Value, error) { return valueJSON(g) }

// Scan implements sql.Scanner.
func (g *BundleGroup) Scan(src interface{}) error { return scanJSON(src, g) }

// BundleGroups is a bucket of per-assignee groups.
type BundleGroups []BundleGroup

// Value implements driver.Valuer.
func (g BundleGroups) Value() (driver.Value, error) {
	if g == nil {
		g = BundleGroups{}
	}
	return valueJSON([]BundleGroup(g))
}

// Scan implements sql.Scanner.
func (g *BundleGroups) Scan(src interface{}) error { return scanJSON(src, (*[]BundleGroup)(g)) }

// Find returns the group of an assignee.
func (g BundleGroups) Find(teacherID string) (BundleGroup, bool) {
	for _, group := range g {
		if group.TeacherID == teacherID {
			return group, true
		}
	}
	return BundleGroup{}, false
}

// Count totals the copies across groups.
func (g BundleGroups) Count() int {
	total := 0
	for _, group := range g {
		total += group.NoOfCopies
	}
	return total
}

// Bundle is the per-paper read model used by marketplace browsing.
type Bundle struct {
	ID               string       `db:"id" json:"id"`
	PaperID          string       `db:"paper_id" json:"paper_id"`
	IsEvaluator      bool         `db:"is_evaluator" json:"is_evaluator"`
	UnAssignedCopies BundleGroup  `db:"un_assigned_copies" json:"un_assigned_copies"`
	AssignedCopies   BundleGroups `db:"assigned_copies" json:"assigned_copies"`
	CheckedCopies    BundleGroups `db:"checked_copies" json:"checked_copies"`
	SubmittedCopies  BundleGroups `db:"submitted_copies" json:"submitted_copies"`
	InreviewCopies   BundleGroups `db:"inreview_copies" json:"inreview_copies"`
	NoOfCopies       int          `db:"no_of_copies" json:"no_of_copies"`
	Completed        bool         `db:"completed" json:"completed"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// BundleFilter constrains marketplace listings.
type BundleFilter struct {
	IncludeCompleted bool
	HasUnassigned    bool
	Limit            int
	Offset           int
}
