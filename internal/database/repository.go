package database

import (
	"context"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// DetectionReader provides read-only access to detections and their candidates
type DetectionReader interface {
	// GetDetection retrieves a detection by ID, returns ErrNotFound if missing
	GetDetection(ctx context.Context, id string) (*product.Detection, error)
	// ListCandidates returns all candidates of a detection ordered by catalog rank, then key
	ListCandidates(ctx context.Context, detectionID string) ([]product.Candidate, error)
	// GetCandidate retrieves one candidate, returns ErrCandidateNotFound if missing
	GetCandidate(ctx context.Context, detectionID, key string) (*product.Candidate, error)
}

// DetectionWriter provides write access to detections and candidates.
// Candidate rows are keyed by (detectionID, key): writing the same key twice
// updates the existing row in place. Stage monotonicity is the caller's concern.
type DetectionWriter interface {
	DetectionReader

	// SaveDetection inserts or updates a detection's identity and attributes.
	// Resolution fields are never touched here.
	SaveDetection(ctx context.Context, d *product.Detection) error

	// Upsert inserts or updates one candidate. Nil optional fields keep the stored value.
	Upsert(ctx context.Context, detectionID, key string, fields CandidateFields) error

	// Commit applies the upserts and, when res is non-nil, resolves the detection,
	// all in one transaction. Resolving to a key that has no candidate row fails
	// with ErrCandidateNotFound and nothing is written.
	Commit(ctx context.Context, detectionID string, upserts []CandidateUpsert, res *Resolution) error
}

// Store is a full persistence backend.
type Store interface {
	DetectionWriter
	Close() error
}
