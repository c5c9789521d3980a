package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/shelf-matcher/internal/batch"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// gatedProcessor blocks every item until release is closed.
type gatedProcessor struct {
	release chan struct{}

	mu       sync.Mutex
	variants []pipeline.Variant
}

func (p *gatedProcessor) Process(ctx context.Context, det *product.Detection, variant pipeline.Variant) pipeline.Outcome {
	p.mu.Lock()
	p.variants = append(p.variants, variant)
	p.mu.Unlock()
	if p.release != nil {
		<-p.release
	}
	return pipeline.Outcome{DetectionID: det.ID, Kind: pipeline.KindSuccess, Resolved: true, ChosenKey: "c1"}
}

func newMatchHandler(proc batch.Processor) *MatchHandler {
	return NewMatchHandler(batch.New(proc, nil, nil), NewJobManager(), MatchDefaults{
		Variant:     pipeline.VariantAIFilter,
		Concurrency: 2,
	}, nil)
}

func matchBody(t *testing.T, req StartRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

func detectionsForRequest(ids ...string) []*product.Detection {
	out := make([]*product.Detection, len(ids))
	for i, id := range ids {
		out[i] = &product.Detection{ID: id, IsProduct: true, Visibility: product.VisibilityClear}
	}
	return out
}

func startJob(t *testing.T, h *MatchHandler, req StartRequest) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.Start(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/match", matchBody(t, req)))
	assertStatusCode(t, recorder, http.StatusAccepted)

	var resp map[string]any
	parseJSONResponse(t, recorder, &resp)
	id, _ := resp["job_id"].(string)
	if id == "" {
		t.Fatalf("expected job_id in response: %v", resp)
	}
	return id
}

func waitForStatus(t *testing.T, h *MatchHandler, jobID string) JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := h.jobManager.GetJob(jobID)
		if job != nil && isJobTerminal(job.GetStatus()) {
			return job.Snapshot()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return JobView{}
}

func TestMatchHandler_StartRunsToCompletion(t *testing.T) {
	proc := &gatedProcessor{}
	h := newMatchHandler(proc)

	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1", "d2", "d3")})
	view := waitForStatus(t, h, jobID)

	if view.Status != JobStatusCompleted {
		t.Errorf("expected completed, got %s", view.Status)
	}
	if view.Totals.Total != 3 || view.Totals.Success != 3 || len(view.Outcomes) != 3 {
		t.Errorf("unexpected totals %+v with %d outcomes", view.Totals, len(view.Outcomes))
	}
	// defaults apply when the request leaves them empty
	if view.Variant != pipeline.VariantAIFilter || view.Concurrency != 2 {
		t.Errorf("expected defaults, got variant=%s concurrency=%d", view.Variant, view.Concurrency)
	}

	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/"+jobID, nil), map[string]string{"jobId": jobID})
	h.Status(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)

	var got JobView
	parseJSONResponse(t, recorder, &got)
	if got.ID != jobID || got.Status != JobStatusCompleted {
		t.Errorf("unexpected status body %+v", got)
	}
}

func TestMatchHandler_StartUsesRequestVariant(t *testing.T) {
	proc := &gatedProcessor{}
	h := newMatchHandler(proc)

	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1"), Variant: "visual-only", Concurrency: 1})
	waitForStatus(t, h, jobID)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.variants) != 1 || proc.variants[0] != pipeline.VariantVisualOnly {
		t.Errorf("expected visual-only, got %v", proc.variants)
	}
}

func TestMatchHandler_StartRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed json", `{"detections": [`, errInvalidRequestBody},
		{"empty batch", `{"detections": []}`, batch.ErrEmptyInput.Error()},
		{"duplicate ids", `{"detections": [{"id": "d1"}, {"id": "d1"}]}`, "duplicate detection id: d1"},
		{"unknown variant", `{"detections": [{"id": "d1"}], "variant": "fast"}`, ""},
		{"negative concurrency", `{"detections": [{"id": "d1"}], "concurrency": -1}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMatchHandler(&gatedProcessor{})
			recorder := httptest.NewRecorder()
			h.Start(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/match", strings.NewReader(tt.body)))

			assertStatusCode(t, recorder, http.StatusBadRequest)
			if tt.wantErr != "" {
				assertJSONError(t, recorder, tt.wantErr)
			}
			if jobs := h.jobManager.ListJobs(); len(jobs) != 0 {
				t.Errorf("rejected request must not leave a job, got %d", len(jobs))
			}
		})
	}
}

func TestMatchHandler_StatusNotFound(t *testing.T) {
	h := newMatchHandler(&gatedProcessor{})

	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/nope", nil), map[string]string{"jobId": "nope"})
	h.Status(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "job not found")

	recorder = httptest.NewRecorder()
	h.Status(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/", nil), map[string]string{}))
	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestMatchHandler_Cancel(t *testing.T) {
	proc := &gatedProcessor{release: make(chan struct{})}
	h := newMatchHandler(proc)
	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1", "d2", "d3", "d4"), Concurrency: 1})

	params := map[string]string{"jobId": jobID}
	recorder := httptest.NewRecorder()
	h.Cancel(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/match/"+jobID, nil), params))
	assertStatusCode(t, recorder, http.StatusOK)
	close(proc.release)

	view := waitForStatus(t, h, jobID)
	if view.Status != JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", view.Status)
	}
	if view.Totals.Completed != 4 || view.Totals.Errors < 1 {
		t.Errorf("expected every item accounted for with cancelled errors, got %+v", view.Totals)
	}

	recorder = httptest.NewRecorder()
	h.Cancel(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/match/"+jobID, nil), params))
	assertStatusCode(t, recorder, http.StatusConflict)
}

func TestMatchHandler_EventsStream(t *testing.T) {
	proc := &gatedProcessor{release: make(chan struct{})}
	h := newMatchHandler(proc)
	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1", "d2")})
	job := h.jobManager.GetJob(jobID)

	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/"+jobID+"/events", nil), map[string]string{"jobId": jobID})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Events(recorder, req)
	}()

	// wait for the stream to subscribe before letting items finish
	deadline := time.Now().Add(5 * time.Second)
	for {
		job.mu.RLock()
		n := len(job.listeners)
		job.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	close(proc.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the complete event")
	}

	body := recorder.Body.String()
	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	for _, want := range []string{"event: status", "event: progress", "event: complete"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Count(body, "event: progress") != 2 {
		t.Errorf("expected 2 progress events:\n%s", body)
	}
}

func TestMatchHandler_EventsAfterCompletion(t *testing.T) {
	h := newMatchHandler(&gatedProcessor{})
	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1")})
	waitForStatus(t, h, jobID)

	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/"+jobID+"/events", nil), map[string]string{"jobId": jobID})
	h.Events(recorder, req)

	body := recorder.Body.String()
	if !strings.HasPrefix(body, "event: status") || strings.Contains(body, "event: progress") {
		t.Errorf("expected only the status snapshot, got:\n%s", body)
	}
}

func TestMatchHandler_WaitForRunningJobs(t *testing.T) {
	proc := &gatedProcessor{release: make(chan struct{})}
	h := newMatchHandler(proc)
	jobID := startJob(t, h, StartRequest{Detections: detectionsForRequest("d1")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline while the item runs, got %v", err)
	}

	close(proc.release)
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	// Wait returns only after the job has recorded its final state
	if status := h.jobManager.GetJob(jobID).GetStatus(); status != JobStatusCompleted {
		t.Errorf("expected completed after Wait, got %s", status)
	}
}
