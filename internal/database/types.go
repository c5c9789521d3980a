package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

var (
	// ErrNotFound is returned when a detection does not exist
	ErrNotFound = errors.New("detection not found")
	// ErrCandidateNotFound is returned when a candidate row does not exist
	ErrCandidateNotFound = errors.New("candidate not found")
	// ErrInvalidCandidate is returned for upserts missing a key or stage
	ErrInvalidCandidate = errors.New("invalid candidate")
)

// CandidateMetadata is the catalog-side description of a candidate, written at search time.
type CandidateMetadata struct {
	Name     string
	Brand    string
	Size     string
	ImageURL string
	Rank     int
}

// CandidateFields is the set of values an upsert writes. Stage is required;
// every pointer field left nil keeps whatever the row already holds.
type CandidateFields struct {
	Stage          product.Stage
	Metadata       *CandidateMetadata
	PrefilterScore *float64
	Verdict        *product.Verdict
	AIConfidence   *float64
	Similarity     *float64
	Rationale      *string
}

// CandidateUpsert is one entry of a Commit batch.
type CandidateUpsert struct {
	Key    string
	Fields CandidateFields
}

// Resolution is the chosen identity of a detection.
type Resolution struct {
	ChosenKey  string
	Method     product.SelectionMethod
	Confidence float64
}

// ValidateUpsert checks the common preconditions of an upsert.
func ValidateUpsert(detectionID, key string, f CandidateFields) error {
	if strings.TrimSpace(detectionID) == "" {
		return fmt.Errorf("%w: empty detection id", ErrInvalidCandidate)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty candidate key", ErrInvalidCandidate)
	}
	if f.Stage == product.StageNone || f.Stage.Ordinal() < 0 {
		return fmt.Errorf("%w: stage %q", ErrInvalidCandidate, f.Stage)
	}
	if f.Verdict != nil && *f.Verdict != product.VerdictNone && !f.Verdict.Valid() {
		return fmt.Errorf("%w: verdict %q", ErrInvalidCandidate, *f.Verdict)
	}
	return nil
}

// Apply merges f into c following the nil-keeps-value rule. Used by in-memory stores.
func (f CandidateFields) Apply(c *product.Candidate) {
	c.Stage = f.Stage
	if m := f.Metadata; m != nil {
		c.Name, c.Brand, c.Size, c.ImageURL, c.Rank = m.Name, m.Brand, m.Size, m.ImageURL, m.Rank
	}
	if f.PrefilterScore != nil {
		c.PrefilterScore = product.Float(*f.PrefilterScore)
	}
	if f.Verdict != nil {
		c.Verdict = *f.Verdict
	}
	if f.AIConfidence != nil {
		c.AIConfidence = product.Float(*f.AIConfidence)
	}
	if f.Similarity != nil {
		c.Similarity = product.Float(*f.Similarity)
	}
	if f.Rationale != nil {
		c.Rationale = *f.Rationale
	}
}
