// Package batch runs many detections through the pipeline on a bounded pool
// and reports progress as an event stream.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

var (
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	ErrEmptyInput         = errors.New("no detections to process")
	ErrDuplicateID        = errors.New("duplicate detection id")
	// ErrCancelled is the error of items that never started because the run was cancelled.
	ErrCancelled = errors.New("batch cancelled before the item started")
)

type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// Totals are the running counters of a batch.
type Totals struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Success   int `json:"success"`
	NoMatch   int `json:"no_match"`
	Errors    int `json:"errors"`
}

// Event is one message of the progress stream. Outcome is set on progress
// events, Outcomes on the complete event (in completion order).
type Event struct {
	Type     EventType          `json:"type"`
	Totals   Totals             `json:"totals"`
	Outcome  *pipeline.Outcome  `json:"outcome,omitempty"`
	Outcomes []pipeline.Outcome `json:"outcomes,omitempty"`
}

// Processor runs one detection to a terminal outcome.
type Processor interface {
	Process(ctx context.Context, det *product.Detection, variant pipeline.Variant) pipeline.Outcome
}

type Options struct {
	Concurrency int
	Variant     pipeline.Variant
	// OnEvent is called from the aggregator for every event before it is sent.
	OnEvent func(Event)
}

type Executor struct {
	proc    Processor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an executor. Metrics and logger may be nil.
func New(proc Processor, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.L()
	}
	return &Executor{proc: proc, metrics: m, logger: logger.Named("batch")}
}

// Run validates the input and starts processing. The returned channel yields
// one start event, one progress event per detection and one complete event,
// then closes. Cancelling ctx stops new items from starting; items already
// running finish and persist.
func (e *Executor) Run(ctx context.Context, detections []*product.Detection, opts Options) (<-chan Event, error) {
	if err := validate(detections, opts); err != nil {
		return nil, err
	}

	events := make(chan Event, len(detections)+2)
	results := make(chan pipeline.Outcome, len(detections))

	go e.dispatch(ctx, detections, opts, results)
	go e.aggregate(len(detections), opts, results, events)
	return events, nil
}

func validate(detections []*product.Detection, opts Options) error {
	if opts.Concurrency < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidConcurrency, opts.Concurrency)
	}
	if len(detections) == 0 {
		return ErrEmptyInput
	}
	if _, err := pipeline.ParseVariant(string(opts.Variant)); err != nil {
		return err
	}
	seen := make(map[string]bool, len(detections))
	for i, d := range detections {
		if d == nil || strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("detection %d has no id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// dispatch starts at most Concurrency items at a time in submission order.
func (e *Executor) dispatch(ctx context.Context, detections []*product.Detection, opts Options, results chan<- pipeline.Outcome) {
	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, det := range detections {
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			results <- cancelled(det.ID)
			continue
		}
		wg.Go(func() {
			defer sem.Release(1)
			results <- e.proc.Process(work, det, opts.Variant)
		})
	}
	wg.Wait()
	close(results)
}

func cancelled(id string) pipeline.Outcome {
	return pipeline.Outcome{
		DetectionID: id,
		Kind:        pipeline.KindError,
		Err:         ErrCancelled,
		Error:       ErrCancelled.Error(),
	}
}

// aggregate is the only owner of the counters and the only sender on events.
func (e *Executor) aggregate(total int, opts Options, results <-chan pipeline.Outcome, events chan<- Event) {
	defer close(events)
	e.metrics.JobStarted()
	defer e.metrics.JobFinished()

	emit := func(ev Event) {
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
		events <- ev
	}

	totals := Totals{Total: total}
	outcomes := make([]pipeline.Outcome, 0, total)
	emit(Event{Type: EventStart, Totals: totals})

	for out := range results {
		switch out.Kind {
		case pipeline.KindSuccess:
			totals.Success++
		case pipeline.KindNoMatch:
			totals.NoMatch++
		default:
			totals.Errors++
		}
		totals.Completed++
		outcomes = append(outcomes, out)
		e.metrics.RecordItem(string(out.Kind))

		emit(Event{Type: EventProgress, Totals: totals, Outcome: &out})
	}

	e.logger.Info("batch complete",
		zap.String("variant", string(opts.Variant)),
		zap.Int("total", totals.Total),
		zap.Int("success", totals.Success),
		zap.Int("no_match", totals.NoMatch),
		zap.Int("errors", totals.Errors),
	)
	emit(Event{Type: EventComplete, Totals: totals, Outcomes: outcomes})
}

// Wait drains the stream and returns the complete event.
func Wait(events <-chan Event) (Event, error) {
	var last Event
	seen := false
	for ev := range events {
		if ev.Type == EventComplete {
			last, seen = ev, true
		}
	}
	if !seen {
		return Event{}, errors.New("event stream closed without a complete event")
	}
	return last, nil
}
