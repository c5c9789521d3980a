package product

import "fmt"

// Stage is the furthest funnel step a candidate has reached.
type Stage string

const (
	StageNone          Stage = ""
	StageSearched      Stage = "searched"
	StagePreFiltered   Stage = "pre_filtered"
	StageAIFiltered    Stage = "ai_filtered"
	StageVisualMatched Stage = "visual_matched"
)

var stageOrder = map[Stage]int{
	StageNone:          0,
	StageSearched:      1,
	StagePreFiltered:   2,
	StageAIFiltered:    3,
	StageVisualMatched: 4,
}

// Ordinal returns the position of s in the funnel, -1 if s is unknown.
func (s Stage) Ordinal() int {
	if n, ok := stageOrder[s]; ok {
		return n
	}
	return -1
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Ordinal() < other.Ordinal()
}

// ParseStage converts a stored stage string back into a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if s == StageNone || s.Ordinal() < 0 {
		return StageNone, fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// MaxStage returns the later of a and b.
func MaxStage(a, b Stage) Stage {
	if a.Before(b) {
		return b
	}
	return a
}
