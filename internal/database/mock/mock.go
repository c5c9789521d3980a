// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

type candidateKey struct {
	detectionID string
	key         string
}

// MockStore is an in-memory database.Store enforcing the same
// (detection, candidate key) uniqueness as the SQL backends
type MockStore struct {
	mu         sync.RWMutex
	detections map[string]*product.Detection
	candidates map[candidateKey]*product.Candidate
	upserts    int
	commits    int
	now        func() time.Time

	// Error injection
	GetDetectionError   error
	ListCandidatesError error
	SaveDetectionError  error
	UpsertError         error
	CommitError         error
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		detections: make(map[string]*product.Detection),
		candidates: make(map[candidateKey]*product.Candidate),
		now:        time.Now,
	}
}

// AddCandidate seeds a candidate row
func (m *MockStore) AddCandidate(c product.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[candidateKey{c.DetectionID, c.Key}] = &c
}

// UpsertCount returns the number of candidate writes performed (including inside commits)
func (m *MockStore) UpsertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts
}

// CommitCount returns the number of successful commits
func (m *MockStore) CommitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// RowCount returns the total number of candidate rows
func (m *MockStore) RowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candidates)
}

// GetDetection retrieves a detection by ID
func (m *MockStore) GetDetection(ctx context.Context, id string) (*product.Detection, error) {
	if m.GetDetectionError != nil {
		return nil, m.GetDetectionError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// ListCandidates returns the candidates of a detection ordered by rank, then key
func (m *MockStore) ListCandidates(ctx context.Context, detectionID string) ([]product.Candidate, error) {
	if m.ListCandidatesError != nil {
		return nil, m.ListCandidatesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []product.Candidate
	for k, c := range m.candidates {
		if k.detectionID == detectionID {
			out = append(out, cloneCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// GetCandidate retrieves one candidate
func (m *MockStore) GetCandidate(ctx context.Context, detectionID, key string) (*product.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[candidateKey{detectionID, key}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", database.ErrCandidateNotFound, detectionID, key)
	}
	cp := cloneCandidate(c)
	return &cp, nil
}

// SaveDetection inserts or updates a detection without touching its resolution
func (m *MockStore) SaveDetection(ctx context.Context, d *product.Detection) error {
	if m.SaveDetectionError != nil {
		return m.SaveDetectionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing, ok := m.detections[d.ID]
	if !ok {
		cp := *d
		cp.FullyResolved, cp.ChosenKey, cp.SelectionMethod, cp.MatchConfidence = false, "", product.MethodNone, 0
		cp.CreatedAt, cp.UpdatedAt = now, now
		m.detections[d.ID] = &cp
		return nil
	}
	existing.ImageID = d.ImageID
	existing.Index = d.Index
	existing.Attributes = d.Attributes
	existing.Visibility = d.Visibility
	existing.IsProduct = d.IsProduct
	existing.CropLocator = d.CropLocator
	existing.UpdatedAt = now
	return nil
}

// Upsert inserts or updates one candidate
func (m *MockStore) Upsert(ctx context.Context, detectionID, key string, fields database.CandidateFields) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	if err := database.ValidateUpsert(detectionID, key, fields); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(detectionID, key, fields)
}

func (m *MockStore) upsertLocked(detectionID, key string, fields database.CandidateFields) error {
	if _, ok := m.detections[detectionID]; !ok {
		return fmt.Errorf("%w: %s", database.ErrNotFound, detectionID)
	}
	now := m.now()
	k := candidateKey{detectionID, key}
	c, ok := m.candidates[k]
	if !ok {
		c = &product.Candidate{DetectionID: detectionID, Key: key, CreatedAt: now}
		m.candidates[k] = c
	}
	fields.Apply(c)
	c.UpdatedAt = now
	m.upserts++
	return nil
}

// Commit applies the upserts and the optional resolution atomically
func (m *MockStore) Commit(ctx context.Context, detectionID string, upserts []database.CandidateUpsert, res *database.Resolution) error {
	if m.CommitError != nil {
		return m.CommitError
	}
	for _, u := range upserts {
		if err := database.ValidateUpsert(detectionID, u.Key, u.Fields); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.detections[detectionID]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrNotFound, detectionID)
	}
	if res != nil {
		_, exists := m.candidates[candidateKey{detectionID, res.ChosenKey}]
		for _, u := range upserts {
			exists = exists || u.Key == res.ChosenKey
		}
		if !exists {
			return fmt.Errorf("%w: %s/%s", database.ErrCandidateNotFound, detectionID, res.ChosenKey)
		}
	}

	for _, u := range upserts {
		if err := m.upsertLocked(detectionID, u.Key, u.Fields); err != nil {
			return err
		}
	}
	if res != nil {
		d.FullyResolved = true
		d.ChosenKey = res.ChosenKey
		d.SelectionMethod = res.Method
		d.MatchConfidence = res.Confidence
		d.UpdatedAt = m.now()
	}
	m.commits++
	return nil
}

// Close is a no-op
func (m *MockStore) Close() error {
	return nil
}

func cloneCandidate(c *product.Candidate) product.Candidate {
	cp := *c
	if c.PrefilterScore != nil {
		cp.PrefilterScore = product.Float(*c.PrefilterScore)
	}
	if c.AIConfidence != nil {
		cp.AIConfidence = product.Float(*c.AIConfidence)
	}
	if c.Similarity != nil {
		cp.Similarity = product.Float(*c.Similarity)
	}
	return cp
}

var _ database.Store = (*MockStore)(nil)
