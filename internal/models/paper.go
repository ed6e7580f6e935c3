package models

// PaperType drives how a submitted copy is evaluated.
type PaperType string

const (
	PaperTypeObjective  PaperType = "objective"
	PaperTypeSubjective PaperType = "subjective"
	PaperTypeMixed      PaperType = "mixed"
)

// Valid reports whether the type is recognised.
func (t PaperType) Valid() bool {
	switch t {
	case PaperTypeObjective, PaperTypeSubjective, PaperTypeMixed:
		return true
	default:
		return false
	}
}

// Paper is the read-only view of an exam paper the lifecycle needs.
type Paper struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	IsEvaluator bool      `db:"is_evaluator" json:"is_evaluator"`
	IsB2C       bool      `db:"is_b2c" json:"is_b2c"`
	PaperType   PaperType `db:"paper_type" json:"paper_type"`
	TotalMarks  float64   `db:"total_marks" json:"total_marks"`
}
