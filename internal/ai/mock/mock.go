// Package mock provides a scripted ai.Comparator for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// MockComparator answers from per-key tables. It is safe for concurrent use.
type MockComparator struct {
	// Verdicts answers Compare by candidate key. Unknown keys are rejected
	// with confidence 0.9.
	Verdicts map[string]ai.PairResult
	// Similarities answers SelectBest by candidate key. Unknown keys score 0.
	Similarities map[string]float64
	// BestKey overrides the service pick when it is among the inputs.
	// Otherwise the highest similarity above zero is picked.
	BestKey string
	// Confidence overrides the pick confidence. Zero reports the pick's similarity.
	Confidence float64

	// Error injection
	CompareError  error
	CompareErrors map[string]error
	SelectError   error

	mu           sync.Mutex
	compareCalls int
	selectCalls  int
	compared     []string
	selected     [][]string
}

func New() *MockComparator {
	return &MockComparator{
		Verdicts:     make(map[string]ai.PairResult),
		Similarities: make(map[string]float64),
	}
}

func (m *MockComparator) Name() string { return "mock" }

func (m *MockComparator) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate ai.CandidateMeta) (*ai.PairResult, error) {
	m.mu.Lock()
	m.compareCalls++
	m.compared = append(m.compared, candidate.Key)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.CompareError != nil {
		return nil, m.CompareError
	}
	if err := m.CompareErrors[candidate.Key]; err != nil {
		return nil, err
	}
	if v, ok := m.Verdicts[candidate.Key]; ok {
		return &v, nil
	}
	return &ai.PairResult{Verdict: product.VerdictRejected, Confidence: 0.9}, nil
}

func (m *MockComparator) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []ai.CandidateImage) (*ai.SelectionResult, error) {
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.Key)
	}
	m.mu.Lock()
	m.selectCalls++
	m.selected = append(m.selected, keys)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SelectError != nil {
		return nil, m.SelectError
	}
	if len(candidates) == 0 {
		return nil, errors.New("no candidates to compare")
	}

	result := &ai.SelectionResult{Rationale: "mock"}
	best, bestSim := "", 0.0
	for _, k := range keys {
		sim := m.Similarities[k]
		result.Scores = append(result.Scores, ai.Similarity{Key: k, Similarity: sim})
		if sim > bestSim {
			best, bestSim = k, sim
		}
	}
	if m.BestKey != "" {
		for i, k := range keys {
			if k == m.BestKey {
				best, bestSim = k, result.Scores[i].Similarity
			}
		}
	}
	result.BestKey = best
	result.Confidence = bestSim
	if m.Confidence > 0 && best != "" {
		result.Confidence = m.Confidence
	}
	return result, nil
}

func (m *MockComparator) GetUsage() ai.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ai.Usage{Calls: m.compareCalls + m.selectCalls}
}

func (m *MockComparator) ResetUsage() {}

// CompareCalls returns the number of Compare invocations.
func (m *MockComparator) CompareCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compareCalls
}

// SelectCalls returns the number of SelectBest invocations.
func (m *MockComparator) SelectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectCalls
}

// Calls returns the total number of comparison calls.
func (m *MockComparator) Calls() int {
	return m.CompareCalls() + m.SelectCalls()
}

// Selected returns the candidate keys of every SelectBest call.
func (m *MockComparator) Selected() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.selected...)
}
