package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
	"github.com/kozaktomas/shelf-matcher/internal/tiebreak"
)

// run is the state of one detection moving through the pipeline. Candidate
// writes are buffered in pending and committed at the end of each step.
type run struct {
	o   *Orchestrator
	det *product.Detection
	out Outcome

	existing map[string]product.Stage
	pending  []database.CandidateUpsert
	index    map[string]int // key -> position in pending
	cropData []byte
}

func (r *run) fail(err error) Outcome {
	r.out.Err = err
	return r.out
}

func (r *run) noMatch(reason string) Outcome {
	r.out.Kind = KindNoMatch
	r.out.Reason = reason
	return r.out
}

// failAfterFlush keeps the writes of a partially completed step before failing.
func (r *run) failAfterFlush(ctx context.Context, err error) Outcome {
	if len(r.pending) > 0 {
		if ferr := r.commit(ctx, nil); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	return r.fail(err)
}

func (r *run) loadExisting(ctx context.Context) error {
	rows, err := r.o.deps.Store.ListCandidates(ctx, r.det.ID)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	r.existing = make(map[string]product.Stage, len(rows))
	for _, c := range rows {
		r.existing[c.Key] = c.Stage
	}
	return nil
}

// stage buffers a write of key at stage. A stored row that already went
// further keeps its stage. Repeated calls for one key merge into one upsert.
func (r *run) stage(key string, stage product.Stage, set func(f *database.CandidateFields)) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	i, ok := r.index[key]
	if !ok {
		i = len(r.pending)
		r.index[key] = i
		r.pending = append(r.pending, database.CandidateUpsert{
			Key:    key,
			Fields: database.CandidateFields{Stage: r.existing[key]},
		})
	}
	f := &r.pending[i].Fields
	f.Stage = product.MaxStage(f.Stage, stage)
	if set != nil {
		set(f)
	}
}

// flush commits buffered writes and records the reached stage.
func (r *run) flush(ctx context.Context, reached product.Stage) error {
	if err := r.commit(ctx, nil); err != nil {
		return err
	}
	r.out.Stage = reached
	return nil
}

func (r *run) commit(ctx context.Context, res *database.Resolution) error {
	if err := r.o.deps.Store.Commit(ctx, r.det.ID, r.pending, res); err != nil {
		return fmt.Errorf("persist %s: %w", r.det.ID, err)
	}
	for _, u := range r.pending {
		r.existing[u.Key] = u.Fields.Stage
	}
	r.pending = r.pending[:0]
	clear(r.index)
	return nil
}

// persist writes the buffered rows and, when confidence reaches the save
// threshold, the detection's resolution in the same transaction.
func (r *run) persist(ctx context.Context, key string, method product.SelectionMethod, confidence float64) Outcome {
	r.out.Kind = KindSuccess
	r.out.ChosenKey = key
	r.out.Method = method
	r.out.Confidence = confidence

	var res *database.Resolution
	if confidence >= r.o.cfg.SaveThreshold {
		res = &database.Resolution{ChosenKey: key, Method: method, Confidence: confidence}
	} else {
		r.out.Reason = fmt.Sprintf("confidence %.2f below save threshold %.2f", confidence, r.o.cfg.SaveThreshold)
	}
	if err := r.commit(ctx, res); err != nil {
		return r.fail(err)
	}
	r.out.Resolved = res != nil
	return r.out
}

func (r *run) crop(ctx context.Context) ([]byte, error) {
	if r.cropData != nil {
		return r.cropData, nil
	}
	ctx, cancel := withTimeout(ctx, r.o.cfg.SearchTimeout)
	defer cancel()
	data, err := r.o.deps.Crops.Load(ctx, r.det.CropLocator)
	if err != nil {
		return nil, fmt.Errorf("load crop: %w", err)
	}
	r.cropData = data
	return data, nil
}

func (r *run) reference(ctx context.Context, c *candidate) ([]byte, error) {
	if c.image != nil {
		return c.image, nil
	}
	ctx, cancel := withTimeout(ctx, r.o.cfg.SearchTimeout)
	defer cancel()
	data, err := r.o.deps.Catalog.FetchImage(ctx, c.entry.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("reference image for %s: %w", c.entry.Key, err)
	}
	c.image = data
	return data, nil
}

// visualMatch runs the single multi-candidate comparison and buffers the
// per-candidate verdicts. It returns nil when no candidate passed.
func (r *run) visualMatch(ctx context.Context, cands []*candidate) (*tiebreak.Selection, error) {
	crop, err := r.crop(ctx)
	if err != nil {
		return nil, err
	}
	inputs := make([]tiebreak.Candidate, 0, len(cands))
	for _, c := range cands {
		ref, err := r.reference(ctx, c)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, tiebreak.Candidate{
			Key:    c.entry.Key,
			Name:   c.entry.Name,
			Brand:  c.entry.Brand,
			Size:   c.entry.Size,
			Flavor: c.entry.Flavor,
			Image:  ref,
		})
	}

	sctx, cancel := withTimeout(ctx, r.o.cfg.CompareTimeout)
	defer cancel()
	r.out.Calls++
	result, err := r.o.tiebreaker.Select(sctx, crop, r.det.Attributes, inputs)
	r.o.deps.Metrics.RecordComparison(r.o.deps.Comparator.Name(), ai.ShapeSelection, err)
	if err != nil {
		return nil, err
	}

	for _, s := range result.Scores {
		verdict := product.VerdictRejected
		switch {
		case result.Selection != nil && s.Key == result.Selection.Key:
			verdict = product.VerdictIdentical
		case s.Passed:
			verdict = product.VerdictCloseVariant
		}
		r.stage(s.Key, product.StageVisualMatched, func(f *database.CandidateFields) {
			f.Verdict = &verdict
			f.Similarity = product.Float(s.Similarity)
			if verdict == product.VerdictIdentical && result.Selection.Rationale != "" {
				rationale := result.Selection.Rationale
				f.Rationale = &rationale
			}
		})
	}
	r.out.Stage = product.StageVisualMatched

	if result.Selection != nil {
		r.o.logger.Debug("visual match selected",
			zap.String("detection_id", r.det.ID),
			zap.String("stage", string(product.StageVisualMatched)),
			zap.String("candidate", result.Selection.Key),
			zap.String("method", string(result.Selection.Method)),
			zap.Float64("confidence", result.Selection.Confidence),
		)
	}
	return result.Selection, nil
}
