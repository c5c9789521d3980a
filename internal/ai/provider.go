package ai

import (
	"context"
	"sync"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// CandidateMeta is the catalog metadata sent alongside a reference image.
type CandidateMeta struct {
	Key    string
	Name   string
	Brand  string
	Size   string
	Flavor string
}

// CandidateImage is one entry of a multi-candidate visual comparison.
type CandidateImage struct {
	CandidateMeta
	Image []byte
}

// PairResult is the verdict of a pairwise crop vs reference comparison.
type PairResult struct {
	Verdict    product.Verdict `json:"verdict"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale"`
}

// Similarity is the per-candidate score of a multi-candidate comparison.
type Similarity struct {
	Key        string  `json:"key"`
	Similarity float64 `json:"similarity"`
}

// SelectionResult holds one similarity per input candidate and the
// service's own pick. BestKey is empty when nothing looks like the crop.
type SelectionResult struct {
	Scores     []Similarity `json:"candidates"`
	BestKey    string       `json:"best_key"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale"`
}

// Comparator is a multimodal comparison service.
type Comparator interface {
	Name() string
	// Compare judges whether the crop and the reference image show the same product.
	Compare(
		ctx context.Context,
		crop []byte,
		reference []byte,
		attrs product.Attributes,
		candidate CandidateMeta,
	) (*PairResult, error)
	// SelectBest scores every candidate against the crop in a single call.
	SelectBest(
		ctx context.Context,
		crop []byte,
		attrs product.Attributes,
		candidates []CandidateImage,
	) (*SelectionResult, error)

	// Usage tracking.
	GetUsage() Usage
	ResetUsage()
}

// Usage tracks token usage and calculates cost.
type Usage struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	TotalCost    float64 // in USD
}

// RequestPricing holds input/output prices per 1M tokens
type RequestPricing struct {
	Input  float64
	Output float64
}

// Options are the knobs shared by every provider.
type Options struct {
	Model        string
	Pricing      RequestPricing
	ImageMaxSize int // longest edge in px before upload, 0 keeps the original size
	ParseRetries int // repair round-trips after a malformed response
}

// usageTracker is embedded by providers. Comparators are shared by the
// batch workers, so every access goes through mu.
type usageTracker struct {
	mu      sync.Mutex
	usage   Usage
	pricing RequestPricing
}

func (u *usageTracker) trackUsage(inputTokens, outputTokens int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage.Calls++
	u.usage.InputTokens += int(inputTokens)
	u.usage.OutputTokens += int(outputTokens)
	u.usage.TotalCost += float64(inputTokens) / 1_000_000 * u.pricing.Input
	u.usage.TotalCost += float64(outputTokens) / 1_000_000 * u.pricing.Output
}

func (u *usageTracker) GetUsage() Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage
}

func (u *usageTracker) ResetUsage() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage = Usage{}
}
