package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProcessor answers by detection id suffix and records concurrency.
type fakeProcessor struct {
	delay   time.Duration
	block   chan struct{} // when set, Process waits for it to close
	started chan string

	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	ctxErrs  atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, det *product.Detection, variant pipeline.Variant) pipeline.Outcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, det.ID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- det.ID
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if ctx.Err() != nil {
		f.ctxErrs.Add(1)
	}

	out := pipeline.Outcome{DetectionID: det.ID, Kind: pipeline.KindSuccess, Resolved: true}
	switch det.Index % 3 {
	case 1:
		out.Kind = pipeline.KindNoMatch
	case 2:
		out.Kind = pipeline.KindError
		out.Err = errors.New("catalog down")
		out.Error = out.Err.Error()
	}
	return out
}

func detections(n int) []*product.Detection {
	out := make([]*product.Detection, n)
	for i := range out {
		out[i] = &product.Detection{ID: fmt.Sprintf("d%02d", i), Index: i}
	}
	return out
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestRun_Reconciles(t *testing.T) {
	proc := &fakeProcessor{delay: time.Millisecond}
	e := New(proc, nil, nil)

	events, err := e.Run(context.Background(), detections(10), Options{Concurrency: 3, Variant: pipeline.VariantAIFilter})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, events)

	if len(all) != 12 {
		t.Fatalf("expected 12 events, got %d", len(all))
	}
	if all[0].Type != EventStart || all[0].Totals.Total != 10 {
		t.Errorf("unexpected start event %+v", all[0])
	}
	last := all[len(all)-1]
	if last.Type != EventComplete {
		t.Fatalf("expected complete last, got %s", last.Type)
	}
	completes := 0
	for _, ev := range all {
		if ev.Type == EventComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Errorf("expected exactly one complete event, got %d", completes)
	}

	tot := last.Totals
	if tot.Success+tot.NoMatch+tot.Errors != tot.Total || tot.Completed != tot.Total {
		t.Errorf("totals do not reconcile: %+v", tot)
	}
	// indices 0..9: %3==0 -> 4 success, %3==1 -> 3 no_match, %3==2 -> 3 errors
	if tot.Success != 4 || tot.NoMatch != 3 || tot.Errors != 3 {
		t.Errorf("unexpected totals %+v", tot)
	}
	if len(last.Outcomes) != 10 {
		t.Errorf("expected 10 outcomes, got %d", len(last.Outcomes))
	}

	for i, ev := range all[1:11] {
		if ev.Type != EventProgress || ev.Outcome == nil {
			t.Fatalf("event %d: expected progress with outcome, got %+v", i+1, ev)
		}
		if ev.Totals.Completed != i+1 {
			t.Errorf("event %d: expected completed %d, got %d", i+1, i+1, ev.Totals.Completed)
		}
	}
	if peak := proc.peak.Load(); peak > 3 {
		t.Errorf("expected at most 3 in flight, peaked at %d", peak)
	}
}

func TestRun_SingleWorkerKeepsSubmissionOrder(t *testing.T) {
	proc := &fakeProcessor{}
	events, err := New(proc, nil, nil).Run(context.Background(), detections(6), Options{Concurrency: 1, Variant: pipeline.VariantVisualOnly})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	all := collect(t, events)

	for i, ev := range all[1 : len(all)-1] {
		want := fmt.Sprintf("d%02d", i)
		if ev.Outcome.DetectionID != want {
			t.Errorf("progress %d: expected %s, got %s", i, want, ev.Outcome.DetectionID)
		}
	}
	if proc.peak.Load() != 1 {
		t.Errorf("expected one item in flight, peaked at %d", proc.peak.Load())
	}
}

func TestRun_ConcurrencyParity(t *testing.T) {
	totals := func(n int) Totals {
		events, err := New(&fakeProcessor{}, nil, nil).Run(context.Background(), detections(9), Options{Concurrency: n, Variant: pipeline.VariantAIFilter})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		done, err := Wait(events)
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		return done.Totals
	}

	serial := totals(1)
	for _, n := range []int{2, 4, 16} {
		if got := totals(n); got != serial {
			t.Errorf("concurrency %d: totals %+v differ from serial %+v", n, got, serial)
		}
	}
}

func TestRun_CancellationFinishesInFlight(t *testing.T) {
	block := make(chan struct{})
	proc := &fakeProcessor{block: block, started: make(chan string, 10)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := New(proc, nil, nil).Run(ctx, detections(5), Options{Concurrency: 2, Variant: pipeline.VariantAIFilter})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-proc.started
	<-proc.started
	cancel()
	close(block)

	done, err := Wait(events)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	cancelledCount := 0
	for _, out := range done.Outcomes {
		if errors.Is(out.Err, ErrCancelled) {
			cancelledCount++
			if out.Kind != pipeline.KindError {
				t.Errorf("cancelled item %s should be an error, got %s", out.DetectionID, out.Kind)
			}
		}
	}
	if cancelledCount != 3 {
		t.Errorf("expected 3 unstarted items cancelled, got %d", cancelledCount)
	}
	if done.Totals.Completed != 5 {
		t.Errorf("expected every item accounted for, got %+v", done.Totals)
	}
	if proc.ctxErrs.Load() != 0 {
		t.Errorf("in-flight items must not see the cancellation, %d did", proc.ctxErrs.Load())
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc := &fakeProcessor{}

	events, err := New(proc, nil, nil).Run(ctx, detections(3), Options{Concurrency: 2, Variant: pipeline.VariantAIFilter})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	done, err := Wait(events)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if done.Totals.Errors != 3 || len(proc.order) != 0 {
		t.Errorf("expected all items cancelled without processing, got %+v (processed %v)", done.Totals, proc.order)
	}
}

func TestRun_OnEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []EventType
	events, err := New(&fakeProcessor{}, nil, nil).Run(context.Background(), detections(2), Options{
		Concurrency: 2,
		Variant:     pipeline.VariantVisualOnly,
		OnEvent: func(ev Event) {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := Wait(events); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventStart, EventProgress, EventProgress, EventComplete}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("expected hook events %v, got %v", want, seen)
	}
}

func TestRun_Validation(t *testing.T) {
	e := New(&fakeProcessor{}, nil, nil)
	dup := detections(2)
	dup[1].ID = dup[0].ID

	tests := []struct {
		name string
		dets []*product.Detection
		opts Options
		want error
	}{
		{"zero concurrency", detections(1), Options{Concurrency: 0, Variant: pipeline.VariantAIFilter}, ErrInvalidConcurrency},
		{"empty input", nil, Options{Concurrency: 1, Variant: pipeline.VariantAIFilter}, ErrEmptyInput},
		{"duplicate id", dup, Options{Concurrency: 1, Variant: pipeline.VariantAIFilter}, ErrDuplicateID},
		{"unknown variant", detections(1), Options{Concurrency: 1, Variant: "both"}, pipeline.ErrUnknownVariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := e.Run(context.Background(), tt.dets, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if events != nil {
				t.Error("expected no event stream on validation error")
			}
		})
	}
}
