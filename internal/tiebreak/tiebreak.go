// Package tiebreak picks at most one catalog candidate for a product crop from
// a single multi-candidate visual comparison.
package tiebreak

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/prefilter"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// DefaultPassThreshold is the visual similarity a candidate needs to be selectable.
const DefaultPassThreshold = 0.7

var (
	ErrNoCandidates = errors.New("tiebreak: no candidates")
	ErrDuplicateKey = errors.New("tiebreak: duplicate candidate key")
)

// Candidate is one catalog entry with its reference image.
type Candidate struct {
	Key    string
	Name   string
	Brand  string
	Size   string
	Flavor string
	Image  []byte
}

// Score is the visual verdict for one candidate.
type Score struct {
	Key        string
	Similarity float64
	Passed     bool
}

// Selection is the chosen candidate.
type Selection struct {
	Key        string
	Confidence float64
	Rationale  string
	Method     product.SelectionMethod
}

// Result holds one score per input candidate, in input order. Selection is
// nil when no candidate passed.
type Result struct {
	Scores    []Score
	Selection *Selection
}

type Config struct {
	PassThreshold          float64
	MinAttributeConfidence float64
}

type TieBreaker struct {
	comparator ai.Comparator
	cfg        Config
	logger     *zap.Logger
}

// New creates a tie-breaker. A nil logger uses the global zap logger.
func New(comparator ai.Comparator, cfg Config, logger *zap.Logger) *TieBreaker {
	if logger == nil {
		logger = zap.L()
	}
	return &TieBreaker{comparator: comparator, cfg: cfg, logger: logger.Named("tiebreak")}
}

// Select runs one comparison call over all candidates and applies the decision rule.
func (tb *TieBreaker) Select(ctx context.Context, crop []byte, attrs product.Attributes, candidates []Candidate) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	seen := make(map[string]bool, len(candidates))
	images := make([]ai.CandidateImage, 0, len(candidates))
	for _, c := range candidates {
		if c.Key == "" || seen[c.Key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, c.Key)
		}
		seen[c.Key] = true
		images = append(images, ai.CandidateImage{
			CandidateMeta: ai.CandidateMeta{Key: c.Key, Name: c.Name, Brand: c.Brand, Size: c.Size, Flavor: c.Flavor},
			Image:         c.Image,
		})
	}

	sel, err := tb.comparator.SelectBest(ctx, crop, attrs, images)
	if err != nil {
		return nil, fmt.Errorf("select best: %w", err)
	}

	return tb.decide(attrs, candidates, sel)
}

type ranked struct {
	index      int
	candidate  Candidate
	similarity float64
	metadata   float64
	picked     bool
}

// decide applies the threshold and the ranking to a validated service response.
func (tb *TieBreaker) decide(attrs product.Attributes, candidates []Candidate, sel *ai.SelectionResult) (*Result, error) {
	similarity := make(map[string]float64, len(sel.Scores))
	for _, s := range sel.Scores {
		similarity[s.Key] = s.Similarity
	}

	result := &Result{Scores: make([]Score, 0, len(candidates))}
	var passers []ranked
	for i, c := range candidates {
		sim, ok := similarity[c.Key]
		if !ok {
			return nil, &ai.ParseError{Shape: ai.ShapeSelection, Reason: fmt.Sprintf("candidate key %q missing", c.Key)}
		}
		passed := sim >= tb.cfg.PassThreshold
		result.Scores = append(result.Scores, Score{Key: c.Key, Similarity: sim, Passed: passed})
		if passed {
			passers = append(passers, ranked{
				index:      i,
				candidate:  c,
				similarity: sim,
				metadata:   tb.metadataAgreement(attrs, c),
				picked:     c.Key == sel.BestKey,
			})
		}
	}

	if len(passers) == 0 {
		tb.logger.Debug("no candidate passed", zap.Int("candidates", len(candidates)), zap.Float64("threshold", tb.cfg.PassThreshold))
		return result, nil
	}

	method := product.MethodAutoSelect
	if len(passers) > 1 {
		method = product.MethodTieBreak
		slices.SortStableFunc(passers, compareRanked)
	}
	winner := passers[0]

	confidence := winner.similarity
	if winner.picked {
		confidence = sel.Confidence
	}
	rationale := sel.Rationale
	if !winner.picked && method == product.MethodTieBreak {
		rationale = strings.TrimSpace(fmt.Sprintf("metadata agreement %.2f among %d visual matches. %s", winner.metadata, len(passers), sel.Rationale))
	}

	result.Selection = &Selection{
		Key:        winner.candidate.Key,
		Confidence: confidence,
		Rationale:  rationale,
		Method:     method,
	}
	tb.logger.Debug("candidate selected",
		zap.String("key", winner.candidate.Key),
		zap.String("method", string(method)),
		zap.Int("passed", len(passers)),
		zap.Float64("confidence", confidence),
	)
	return result, nil
}

// compareRanked orders passers by metadata agreement, then similarity, then
// the service's own pick. Ties keep input order.
func compareRanked(a, b ranked) int {
	switch {
	case a.metadata != b.metadata:
		if a.metadata > b.metadata {
			return -1
		}
		return 1
	case a.similarity != b.similarity:
		if a.similarity > b.similarity {
			return -1
		}
		return 1
	case a.picked != b.picked:
		if a.picked {
			return -1
		}
		return 1
	}
	return 0
}

// metadataAgreement sums fuzzy scores for each attribute the detection has.
// A candidate without the attribute earns nothing for it.
func (tb *TieBreaker) metadataAgreement(attrs product.Attributes, c Candidate) float64 {
	minConf := tb.cfg.MinAttributeConfidence
	total := 0.0
	if attrs.Brand.Usable(minConf) && c.Brand != "" {
		total += prefilter.BrandSimilarity(attrs.Brand.Value, c.Brand)
	}
	if attrs.Size.Usable(minConf) && c.Size != "" {
		if s, ok := prefilter.SizeSimilarity(attrs.Size.Value, c.Size); ok {
			total += s
		}
	}
	if attrs.Flavor.Usable(minConf) {
		switch {
		case c.Flavor != "":
			total += prefilter.TokenSimilarity(attrs.Flavor.Value, c.Flavor)
		case c.Name != "":
			total += flavorInName(attrs.Flavor.Value, c.Name)
		}
	}
	return total
}

// flavorInName is the share of flavor words that appear in the product name.
func flavorInName(flavor, name string) float64 {
	words := strings.Fields(prefilter.NormalizeText(flavor))
	if len(words) == 0 {
		return 0
	}
	haystack := " " + prefilter.NormalizeText(name) + " "
	hits := 0
	for _, w := range words {
		if strings.Contains(haystack, " "+w+" ") {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}
