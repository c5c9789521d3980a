package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/batch"
	"github.com/kozaktomas/shelf-matcher/internal/constants"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// Runner starts a batch run. *batch.Executor implements it.
type Runner interface {
	Run(ctx context.Context, detections []*product.Detection, opts batch.Options) (<-chan batch.Event, error)
}

// MatchDefaults fill in request fields the client leaves empty.
type MatchDefaults struct {
	Variant     pipeline.Variant
	Concurrency int
}

// MatchHandler handles match job endpoints
type MatchHandler struct {
	runner     Runner
	jobManager *JobManager
	defaults   MatchDefaults
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewMatchHandler creates a new match handler
func NewMatchHandler(runner Runner, jm *JobManager, defaults MatchDefaults, logger *zap.Logger) *MatchHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &MatchHandler{
		runner:     runner,
		jobManager: jm,
		defaults:   defaults,
		logger:     logger.Named("web"),
	}
}

// StartRequest represents a match start request
type StartRequest struct {
	Detections  []*product.Detection `json:"detections"`
	Variant     string               `json:"variant"`
	Concurrency int                  `json:"concurrency"`
}

// Start validates the detections and starts a match job
func (h *MatchHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	body := http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Detections) > constants.MaxDetectionsPerJob {
		respondError(w, http.StatusRequestEntityTooLarge, "too many detections")
		return
	}

	variant := h.defaults.Variant
	if req.Variant != "" {
		variant = pipeline.Variant(req.Variant)
	}
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = h.defaults.Concurrency
	}

	// job context outlives the request
	ctx, cancel := context.WithCancel(context.Background())
	jobID := uuid.New().String()
	job := h.jobManager.CreateJob(jobID, variant, concurrency, len(req.Detections), cancel)

	events, err := h.runner.Run(ctx, req.Detections, batch.Options{
		Concurrency: concurrency,
		Variant:     variant,
	})
	if err != nil {
		cancel()
		h.jobManager.DeleteJob(jobID)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.wg.Go(func() { h.runJob(job, events, cancel) })

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  jobID,
		"status":  string(JobStatusPending),
		"variant": string(variant),
		"total":   len(req.Detections),
	})
}

// Wait blocks until every started job has drained its batch stream or ctx
// is done.
func (h *MatchHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the status of a match job
func (h *MatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Events streams job events via SSE
func (h *MatchHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*MatchJob).Snapshot()
		},
	)
}

// Cancel cancels a match job
func (h *MatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}
	if !job.Cancel() {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}
	h.logger.Info("match job cancel requested", zap.String("job_id", sanitizeForLog(job.ID)))
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *MatchHandler) lookup(w http.ResponseWriter, r *http.Request) *MatchJob {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return nil
	}
	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

// runJob forwards the batch stream to the job's SSE listeners
func (h *MatchHandler) runJob(job *MatchJob, events <-chan batch.Event, cancel context.CancelFunc) {
	defer cancel()
	job.start()

	for ev := range events {
		job.record(ev)
		job.SendEvent(JobEvent{Type: string(ev.Type), Data: ev})
	}
	job.Close()

	view := job.Snapshot()
	h.logger.Info("match job finished",
		zap.String("job_id", view.ID),
		zap.String("status", string(view.Status)),
		zap.Int("success", view.Totals.Success),
		zap.Int("no_match", view.Totals.NoMatch),
		zap.Int("errors", view.Totals.Errors),
	)
}
