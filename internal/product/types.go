// Package product holds the domain types shared by the matching pipeline:
// shelf detections, their extracted attributes and the catalog candidates
// they are matched against.
package product

import (
	"strings"
	"time"
)

// Visibility describes how much of a product is visible in the crop.
type Visibility string

const (
	VisibilityClear   Visibility = "clear"
	VisibilityPartial Visibility = "partial"
	VisibilityNone    Visibility = "none"
)

// Valid reports whether v is one of the known visibility values.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityClear, VisibilityPartial, VisibilityNone:
		return true
	}
	return false
}

// Attribute is a single extracted value with the extractor's confidence (0-1).
type Attribute struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Present reports whether the attribute carries a non-empty value.
func (a Attribute) Present() bool {
	return strings.TrimSpace(a.Value) != ""
}

// Usable reports whether the attribute is present with at least minConfidence.
func (a Attribute) Usable(minConfidence float64) bool {
	return a.Present() && a.Confidence >= minConfidence
}

// Attributes are the visual attributes extracted from a detection crop.
type Attributes struct {
	Brand       Attribute `json:"brand"`
	ProductName Attribute `json:"product_name"`
	Category    Attribute `json:"category"`
	Flavor      Attribute `json:"flavor"`
	Size        Attribute `json:"size"`
	Description Attribute `json:"description"`
	// Retailer is the store the shelf image was taken in, when known.
	Retailer string `json:"retailer,omitempty"`
}

// SelectionMethod records how the chosen candidate was picked.
type SelectionMethod string

const (
	MethodNone       SelectionMethod = ""
	MethodAutoSelect SelectionMethod = "auto_select"
	MethodTieBreak   SelectionMethod = "tie_break"
)

// Detection is one product instance found on a shelf image.
type Detection struct {
	ID          string     `json:"id"`
	ImageID     string     `json:"image_id"`
	Index       int        `json:"index"`
	Attributes  Attributes `json:"attributes"`
	Visibility  Visibility `json:"visibility"`
	IsProduct   bool       `json:"is_product"`
	CropLocator string     `json:"crop"` // file path or http(s) URL of the product crop

	FullyResolved   bool            `json:"fully_resolved"`
	ChosenKey       string          `json:"chosen_key,omitempty"`
	SelectionMethod SelectionMethod `json:"selection_method,omitempty"`
	MatchConfidence float64         `json:"match_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// CatalogEntry is a product returned by the catalog search service.
type CatalogEntry struct {
	Key       string   `json:"key"`
	Name      string   `json:"name"`
	Brand     string   `json:"brand"`
	Size      string   `json:"size"`
	Category  string   `json:"category"`
	Flavor    string   `json:"flavor"`
	ImageURL  string   `json:"image_url"`
	Retailers []string `json:"retailers"`
	Rank      int      `json:"rank"` // 1-based position in the search result, 1 = best
}

// Verdict is the comparison outcome recorded on a candidate.
type Verdict string

const (
	VerdictNone         Verdict = ""
	VerdictIdentical    Verdict = "identical"
	VerdictCloseVariant Verdict = "close_variant"
	VerdictRejected     Verdict = "rejected"
)

// Valid reports whether v is a known non-empty verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictIdentical, VerdictCloseVariant, VerdictRejected:
		return true
	}
	return false
}

// Candidate is a persisted catalog entry under evaluation for a detection.
type Candidate struct {
	DetectionID    string    `json:"detection_id"`
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Brand          string    `json:"brand"`
	Size           string    `json:"size"`
	ImageURL       string    `json:"image_url"`
	Rank           int       `json:"rank"`
	Stage          Stage     `json:"stage"`
	PrefilterScore *float64  `json:"prefilter_score,omitempty"`
	Verdict        Verdict   `json:"verdict,omitempty"`
	AIConfidence   *float64  `json:"ai_confidence,omitempty"`
	Similarity     *float64  `json:"similarity,omitempty"`
	Rationale      string    `json:"rationale,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// Float returns a pointer to v, for the optional candidate fields.
func Float(v float64) *float64 {
	return &v
}
