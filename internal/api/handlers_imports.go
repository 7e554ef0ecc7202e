package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/job"
	"github.com/cloud-importer/internal/types"
	"github.com/gorilla/mux"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// owner reads the caller's identity from the request headers
func owner(r *http.Request) (string, types.UserTier, error) {
	ownerID := r.Header.Get(HeaderOwnerID)
	if ownerID == "" {
		return "", "", apperrors.NewUnauthorizedError(HeaderOwnerID + " header is required")
	}
	return ownerID, types.ParseUserTier(r.Header.Get(HeaderOwnerTier)), nil
}

// handleStartImport handles POST /api/imports
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	ownerID, tier, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var input job.StartImportInput
	if err := parseJSONBody(r, &input); err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("body", "invalid request body"))
		return
	}
	input.OwnerID = ownerID
	input.Tier = tier

	result, err := s.importer.StartImport(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// handleRunBatch handles POST /api/imports/{id}/batches. The body is optional.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, _, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var req struct {
		BatchSize int `json:"batchSize"`
	}
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("body", "invalid request body"))
		return
	}

	result, err := s.importer.RunBatchStep(r.Context(), mux.Vars(r)["id"], ownerID, req.BatchSize)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetImport handles GET /api/imports/{id}
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	ownerID, _, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status, err := s.importer.GetStatus(r.Context(), mux.Vars(r)["id"], ownerID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleCancelImport handles DELETE /api/imports/{id}
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	ownerID, _, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status, err := s.importer.CancelImport(r.Context(), mux.Vars(r)["id"], ownerID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleListImports handles GET /api/imports?limit=N
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	ownerID, _, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}

	logs, err := s.importer.ListImports(r.Context(), ownerID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"imports": logs,
		"count":   len(logs),
	})
}

// handleUsage handles GET /api/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, tier, err := owner(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	stats, err := s.importer.UsageStats(r.Context(), ownerID, tier)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
