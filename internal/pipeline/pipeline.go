// Package pipeline runs one detection through search, pre-filter, narrowing,
// visual match and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/catalog"
	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/prefilter"
	"github.com/kozaktomas/shelf-matcher/internal/product"
	"github.com/kozaktomas/shelf-matcher/internal/tiebreak"
)

// Variant selects the narrowing strategy.
type Variant string

const (
	VariantAIFilter   Variant = "ai-filter"
	VariantVisualOnly Variant = "visual-only"
)

var ErrUnknownVariant = errors.New("unknown pipeline variant")

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantAIFilter, VariantVisualOnly:
		return v, nil
	}
	return "", fmt.Errorf("%w %q (use %s or %s)", ErrUnknownVariant, s, VariantAIFilter, VariantVisualOnly)
}

// Kind is the terminal state of one detection run.
type Kind string

const (
	KindSuccess Kind = "success"
	KindNoMatch Kind = "no_match"
	KindError   Kind = "error"
)

// Outcome is the result of processing one detection. Success with
// Resolved=false means the best candidate fell below the save threshold.
type Outcome struct {
	DetectionID string                  `json:"detection_id"`
	Kind        Kind                    `json:"kind"`
	Resolved    bool                    `json:"resolved"`
	ChosenKey   string                  `json:"chosen_key,omitempty"`
	Method      product.SelectionMethod `json:"method,omitempty"`
	Confidence  float64                 `json:"confidence,omitempty"`
	Stage       product.Stage           `json:"stage,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Calls       int                     `json:"calls"`
	Err         error                   `json:"-"`
}

// Catalog is the search side of the catalog client.
type Catalog interface {
	Search(ctx context.Context, q catalog.Query) ([]product.CatalogEntry, error)
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
}

// CropLoader returns the cropped product image of a detection.
type CropLoader interface {
	Load(ctx context.Context, locator string) ([]byte, error)
}

// Config holds the pipeline tunables.
type Config struct {
	SearchLimit            int
	SaveThreshold          float64
	PassThreshold          float64
	MinAttributeConfidence float64
	SearchTimeout          time.Duration
	CompareTimeout         time.Duration
	Prefilter              prefilter.Config
}

// ConfigFromPipeline maps the loaded configuration onto orchestrator settings.
func ConfigFromPipeline(p config.PipelineConfig) Config {
	return Config{
		SearchLimit:            p.SearchLimit,
		SaveThreshold:          p.SaveThreshold,
		PassThreshold:          p.PassThreshold,
		MinAttributeConfidence: p.MinAttributeConfidence,
		SearchTimeout:          p.SearchTimeout,
		CompareTimeout:         p.CompareTimeout,
		Prefilter: prefilter.Config{
			Weights: prefilter.Weights{
				Brand:   p.Prefilter.Weights.Brand,
				Size:    p.Prefilter.Weights.Size,
				Context: p.Prefilter.Weights.Context,
			},
			Threshold:     p.Prefilter.Threshold,
			Neutral:       p.Prefilter.Neutral,
			MinConfidence: p.MinAttributeConfidence,
		},
	}
}

// Deps are the collaborators of the orchestrator. Metrics and Logger are optional.
type Deps struct {
	Catalog    Catalog
	Crops      CropLoader
	Comparator ai.Comparator
	Store      database.Store
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type Orchestrator struct {
	deps       Deps
	cfg        Config
	scorer     *prefilter.Scorer
	tiebreaker *tiebreak.TieBreaker
	narrowers  map[Variant]narrower
	logger     *zap.Logger
}

// New validates the configuration and wires both narrowing strategies.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Crops == nil || deps.Comparator == nil || deps.Store == nil {
		return nil, errors.New("pipeline: catalog, crop loader, comparator and store are required")
	}
	if cfg.SearchLimit <= 0 || cfg.SearchLimit > catalog.MaxSearchLimit {
		cfg.SearchLimit = catalog.MaxSearchLimit
	}
	scorer, err := prefilter.New(cfg.Prefilter)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		scorer: scorer,
		tiebreaker: tiebreak.New(deps.Comparator, tiebreak.Config{
			PassThreshold:          cfg.PassThreshold,
			MinAttributeConfidence: cfg.MinAttributeConfidence,
		}, logger),
		logger: logger.Named("pipeline"),
	}
	o.narrowers = map[Variant]narrower{
		VariantAIFilter:   aiFilter{},
		VariantVisualOnly: visualOnly{},
	}
	return o, nil
}

// Process runs one detection to a terminal outcome. It never panics on
// collaborator failures; every error is reported in the outcome.
func (o *Orchestrator) Process(ctx context.Context, det *product.Detection, variant Variant) Outcome {
	start := time.Now()
	out := o.process(ctx, det, variant)
	if out.Err != nil {
		out.Kind = KindError
		out.Error = out.Err.Error()
		o.logger.Error("detection failed",
			zap.String("detection_id", out.DetectionID),
			zap.String("variant", string(variant)),
			zap.String("stage", string(out.Stage)),
			zap.Error(out.Err),
		)
	} else {
		o.logger.Info("detection processed",
			zap.String("detection_id", out.DetectionID),
			zap.String("variant", string(variant)),
			zap.String("outcome", string(out.Kind)),
			zap.Bool("resolved", out.Resolved),
			zap.String("chosen_key", out.ChosenKey),
			zap.Int("calls", out.Calls),
		)
	}
	o.deps.Metrics.ObserveDetection(string(variant), string(out.Kind), time.Since(start))
	return out
}

func (o *Orchestrator) process(ctx context.Context, det *product.Detection, variant Variant) Outcome {
	if det == nil {
		return Outcome{Err: errors.New("nil detection")}
	}
	r := &run{o: o, det: det, out: Outcome{DetectionID: det.ID}}

	strategy, ok := o.narrowers[variant]
	if !ok {
		return r.fail(fmt.Errorf("%w %q", ErrUnknownVariant, variant))
	}
	if reason := o.gate(det); reason != "" {
		return r.noMatch(reason)
	}

	if err := o.deps.Store.SaveDetection(ctx, det); err != nil {
		return r.fail(fmt.Errorf("save detection: %w", err))
	}
	if err := r.loadExisting(ctx); err != nil {
		return r.fail(err)
	}

	// search
	entries, err := o.search(ctx, det.Attributes)
	if err != nil {
		return r.fail(err)
	}
	if len(entries) == 0 {
		return r.noMatch("no catalog results")
	}
	for _, e := range entries {
		r.stage(e.Key, product.StageSearched, func(f *database.CandidateFields) {
			f.Metadata = &database.CandidateMetadata{
				Name: e.Name, Brand: e.Brand, Size: e.Size, ImageURL: e.ImageURL, Rank: e.Rank,
			}
		})
	}
	if err := r.flush(ctx, product.StageSearched); err != nil {
		return r.fail(err)
	}

	// pre_filter
	survivors, all := o.scorer.Filter(det.Attributes, entries)
	for _, s := range all {
		stage := product.StageSearched
		if s.Result.Passed {
			stage = product.StagePreFiltered
		}
		r.stage(s.Entry.Key, stage, func(f *database.CandidateFields) {
			f.PrefilterScore = product.Float(s.Result.Composite)
		})
	}
	if err := r.flush(ctx, product.StagePreFiltered); err != nil {
		return r.fail(err)
	}
	if len(survivors) == 0 {
		return r.noMatch("no candidate passed the pre-filter")
	}

	remaining := make([]*candidate, 0, len(survivors))
	for _, s := range survivors {
		remaining = append(remaining, &candidate{entry: s.Entry, prefilter: s.Result.Composite})
	}

	// narrowing
	remaining, err = strategy.narrow(ctx, r, remaining)
	if err != nil {
		return r.failAfterFlush(ctx, err)
	}
	if len(remaining) == 0 {
		if err := r.commit(ctx, nil); err != nil {
			return r.fail(err)
		}
		return r.noMatch("every candidate was rejected")
	}

	if len(remaining) == 1 {
		only := remaining[0]
		return r.persist(ctx, only.entry.Key, product.MethodAutoSelect, strategy.singleConfidence(only))
	}

	// visual_match
	selection, err := r.visualMatch(ctx, remaining)
	if err != nil {
		return r.failAfterFlush(ctx, err)
	}
	if selection == nil {
		if err := r.commit(ctx, nil); err != nil {
			return r.fail(err)
		}
		return r.noMatch("no candidate passed the visual match")
	}
	return r.persist(ctx, selection.Key, selection.Method, selection.Confidence)
}

// gate rejects detections that cannot be searched. It returns the reason or "".
func (o *Orchestrator) gate(det *product.Detection) string {
	switch {
	case !det.IsProduct:
		return "not a product"
	case det.Visibility == product.VisibilityNone:
		return "product not visible"
	case !det.Attributes.Brand.Usable(o.cfg.MinAttributeConfidence) &&
		!det.Attributes.ProductName.Usable(o.cfg.MinAttributeConfidence):
		return "no usable brand or product name"
	}
	return ""
}

func (o *Orchestrator) search(ctx context.Context, attrs product.Attributes) ([]product.CatalogEntry, error) {
	q := catalog.Query{Limit: o.cfg.SearchLimit}
	minConf := o.cfg.MinAttributeConfidence
	if attrs.Brand.Usable(minConf) {
		q.Brand = attrs.Brand.Value
	}
	if attrs.ProductName.Usable(minConf) {
		q.Name = attrs.ProductName.Value
	}
	if attrs.Category.Usable(minConf) {
		q.Category = attrs.Category.Value
	}

	ctx, cancel := withTimeout(ctx, o.cfg.SearchTimeout)
	defer cancel()
	entries, err := o.deps.Catalog.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(entries) > o.cfg.SearchLimit {
		entries = entries[:o.cfg.SearchLimit]
	}
	return entries, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
