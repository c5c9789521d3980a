package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// DetectionsHandler serves the stored match results
type DetectionsHandler struct {
	store  database.DetectionReader
	logger *zap.Logger
}

// NewDetectionsHandler creates a new detections handler
func NewDetectionsHandler(store database.DetectionReader, logger *zap.Logger) *DetectionsHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &DetectionsHandler{store: store, logger: logger.Named("web")}
}

// CandidatesResponse lists the candidate rows of one detection
type CandidatesResponse struct {
	DetectionID string              `json:"detection_id"`
	Count       int                 `json:"count"`
	Candidates  []product.Candidate `json:"candidates"`
}

// Get returns one detection with its resolution
func (h *DetectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	det := h.detection(w, r)
	if det == nil {
		return
	}
	respondJSON(w, http.StatusOK, det)
}

// Candidates returns every candidate row of a detection
func (h *DetectionsHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	det := h.detection(w, r)
	if det == nil {
		return
	}
	candidates, err := h.store.ListCandidates(r.Context(), det.ID)
	if err != nil {
		h.logger.Error("failed to list candidates", zap.String("detection_id", sanitizeForLog(det.ID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list candidates")
		return
	}
	if candidates == nil {
		candidates = []product.Candidate{}
	}
	respondJSON(w, http.StatusOK, CandidatesResponse{
		DetectionID: det.ID,
		Count:       len(candidates),
		Candidates:  candidates,
	})
}

func (h *DetectionsHandler) detection(w http.ResponseWriter, r *http.Request) *product.Detection {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing detection ID")
		return nil
	}
	det, err := h.store.GetDetection(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "detection not found")
		return nil
	}
	if err != nil {
		h.logger.Error("failed to get detection", zap.String("detection_id", sanitizeForLog(id)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to get detection")
		return nil
	}
	return det
}
