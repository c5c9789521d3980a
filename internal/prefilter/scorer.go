// Package prefilter implements the cheap textual similarity gate that runs
// between catalog search and the expensive visual comparison.
package prefilter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// Weights are the relative contributions of each sub-score; they must sum to 1.
type Weights struct {
	Brand   float64 `yaml:"brand"`
	Size    float64 `yaml:"size"`
	Context float64 `yaml:"context"`
}

// Config tunes the scorer.
type Config struct {
	Weights   Weights
	Threshold float64 // composite score needed to survive
	// Neutral is used for a sub-score whose inputs are missing on either side.
	Neutral float64
	// MinConfidence is the extraction confidence below which an attribute counts as missing.
	MinConfidence float64
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		Weights:       Weights{Brand: 0.35, Size: 0.35, Context: 0.30},
		Threshold:     0.85,
		Neutral:       0.75,
		MinConfidence: 0.3,
	}
}

// ErrInvalidConfig is returned by New for out-of-range tuning.
var ErrInvalidConfig = errors.New("invalid pre-filter config")

const (
	containmentScore   = 0.9
	retailerMismatch   = 0.3
	categoryFloor      = 0.4
	weightSumTolerance = 1e-6
)

// Result holds the sub-scores and composite for one candidate.
type Result struct {
	Brand     float64 `json:"brand"`
	Size      float64 `json:"size"`
	Context   float64 `json:"context"`
	Composite float64 `json:"composite"`
	Passed    bool    `json:"passed"`
}

// Scored pairs a catalog entry with its pre-filter result.
type Scored struct {
	Entry  product.CatalogEntry
	Result Result
}

// Scorer computes pre-filter scores. It is stateless and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New validates cfg and returns a Scorer.
func New(cfg Config) (*Scorer, error) {
	w := cfg.Weights
	if w.Brand < 0 || w.Size < 0 || w.Context < 0 {
		return nil, fmt.Errorf("%w: negative weight", ErrInvalidConfig)
	}
	if sum := w.Brand + w.Size + w.Context; math.Abs(sum-1) > weightSumTolerance {
		return nil, fmt.Errorf("%w: weights sum to %.4f", ErrInvalidConfig, sum)
	}
	for name, v := range map[string]float64{
		"threshold":      cfg.Threshold,
		"neutral":        cfg.Neutral,
		"min confidence": cfg.MinConfidence,
	} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: %s %.3f outside [0,1]", ErrInvalidConfig, name, v)
		}
	}
	return &Scorer{cfg: cfg}, nil
}

// Config returns the scorer's tuning.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score computes the sub-scores and composite for one candidate. The result
// depends only on attrs and entry.
func (s *Scorer) Score(attrs product.Attributes, entry product.CatalogEntry) Result {
	r := Result{
		Brand:   s.brandScore(attrs, entry),
		Size:    s.sizeScore(attrs, entry),
		Context: s.contextScore(attrs, entry),
	}
	w := s.cfg.Weights
	r.Composite = w.Brand*r.Brand + w.Size*r.Size + w.Context*r.Context
	r.Passed = r.Composite >= s.cfg.Threshold
	return r
}

// Filter scores every entry and returns the survivors ordered by composite
// score (descending, ties by catalog rank) together with all scored entries
// in input order.
func (s *Scorer) Filter(attrs product.Attributes, entries []product.CatalogEntry) (survivors, all []Scored) {
	all = make([]Scored, len(entries))
	for i, e := range entries {
		all[i] = Scored{Entry: e, Result: s.Score(attrs, e)}
		if all[i].Result.Passed {
			survivors = append(survivors, all[i])
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Result.Composite != b.Result.Composite {
			return a.Result.Composite > b.Result.Composite
		}
		return a.Entry.Rank < b.Entry.Rank
	})
	return survivors, all
}

func (s *Scorer) brandScore(attrs product.Attributes, entry product.CatalogEntry) float64 {
	if !attrs.Brand.Usable(s.cfg.MinConfidence) || strings.TrimSpace(entry.Brand) == "" {
		return s.cfg.Neutral
	}
	return BrandSimilarity(attrs.Brand.Value, entry.Brand)
}

func (s *Scorer) sizeScore(attrs product.Attributes, entry product.CatalogEntry) float64 {
	if !attrs.Size.Usable(s.cfg.MinConfidence) || strings.TrimSpace(entry.Size) == "" {
		return s.cfg.Neutral
	}
	score, ok := SizeSimilarity(attrs.Size.Value, entry.Size)
	if !ok {
		return s.cfg.Neutral
	}
	return score
}

func (s *Scorer) contextScore(attrs product.Attributes, entry product.CatalogEntry) float64 {
	if retailer := NormalizeText(attrs.Retailer); retailer != "" && len(entry.Retailers) > 0 {
		for _, r := range entry.Retailers {
			if NormalizeText(r) == retailer {
				return 1
			}
		}
		return retailerMismatch
	}
	if attrs.Category.Usable(s.cfg.MinConfidence) && strings.TrimSpace(entry.Category) != "" {
		return categoryFloor + (1-categoryFloor)*TokenSimilarity(attrs.Category.Value, entry.Category)
	}
	return s.cfg.Neutral
}

// BrandSimilarity compares two brand names after normalization: exact match
// scores 1, whole-word containment ("Acme" in "Acme Foods") 0.9, anything
// else the Levenshtein similarity.
func BrandSimilarity(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	if strings.Contains(" "+nb+" ", " "+na+" ") || strings.Contains(" "+na+" ", " "+nb+" ") {
		return containmentScore
	}
	return levenshtein.Similarity(na, nb, nil)
}

// TokenSimilarity is the Jaccard index of the normalized word sets of a and b.
func TokenSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}
