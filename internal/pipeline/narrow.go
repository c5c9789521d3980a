package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// candidate is a pre-filter survivor flowing through narrowing.
type candidate struct {
	entry        product.CatalogEntry
	prefilter    float64
	aiConfidence float64
	image        []byte
}

// narrower reduces the pre-filter survivors before visual matching.
type narrower interface {
	narrow(ctx context.Context, r *run, cands []*candidate) ([]*candidate, error)
	// singleConfidence is the match confidence when exactly one candidate remains.
	singleConfidence(c *candidate) float64
}

// aiFilter compares every survivor one-to-one and drops rejections.
type aiFilter struct{}

func (aiFilter) narrow(ctx context.Context, r *run, cands []*candidate) ([]*candidate, error) {
	crop, err := r.crop(ctx)
	if err != nil {
		return nil, err
	}

	kept := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		ref, err := r.reference(ctx, c)
		if err != nil {
			return nil, err
		}
		res, err := r.compare(ctx, crop, ref, c)
		if err != nil {
			return nil, fmt.Errorf("compare %s: %w", c.entry.Key, err)
		}

		r.stage(c.entry.Key, product.StageAIFiltered, func(f *database.CandidateFields) {
			v := res.Verdict
			f.Verdict = &v
			f.AIConfidence = product.Float(res.Confidence)
			if res.Rationale != "" {
				rationale := res.Rationale
				f.Rationale = &rationale
			}
		})
		r.o.logger.Debug("ai filter verdict",
			zap.String("detection_id", r.det.ID),
			zap.String("stage", string(product.StageAIFiltered)),
			zap.String("candidate", c.entry.Key),
			zap.String("verdict", string(res.Verdict)),
			zap.Float64("confidence", res.Confidence),
		)

		if res.Verdict != product.VerdictRejected {
			c.aiConfidence = res.Confidence
			kept = append(kept, c)
		}
	}
	r.out.Stage = product.StageAIFiltered
	return kept, nil
}

func (aiFilter) singleConfidence(c *candidate) float64 {
	return c.aiConfidence
}

// visualOnly sends every survivor straight to the visual match.
type visualOnly struct{}

func (visualOnly) narrow(_ context.Context, _ *run, cands []*candidate) ([]*candidate, error) {
	return cands, nil
}

func (visualOnly) singleConfidence(c *candidate) float64 {
	return c.prefilter
}

func (r *run) compare(ctx context.Context, crop, ref []byte, c *candidate) (*ai.PairResult, error) {
	ctx, cancel := withTimeout(ctx, r.o.cfg.CompareTimeout)
	defer cancel()

	comparator := r.o.deps.Comparator
	r.out.Calls++
	res, err := comparator.Compare(ctx, crop, ref, r.det.Attributes, ai.CandidateMeta{
		Key:    c.entry.Key,
		Name:   c.entry.Name,
		Brand:  c.entry.Brand,
		Size:   c.entry.Size,
		Flavor: c.entry.Flavor,
	})
	r.o.deps.Metrics.RecordComparison(comparator.Name(), ai.ShapePair, err)
	return res, err
}
