package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
	"github.com/hixprotocol/hix/internal/app"
	"github.com/hixprotocol/hix/pkg/logger"
)

type startRequest struct {
	Operator string `json:"operator"`
}

type distanceRequest struct {
	Meters float64 `json:"meters"`
}

type discardResponse struct {
	Discarded int `json:"discarded"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	err := s.session.Start(r.Context(), req.Operator)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.session.Snapshot(r.Context()))
	case errors.Is(err, app.ErrMissingOperator):
		writeError(w, http.StatusBadRequest, "missing_operator", err)
	case errors.Is(err, app.ErrAlreadyCapturing):
		writeError(w, http.StatusConflict, "already_capturing", err)
	default:
		s.logger.Error(r.Context(), "session start failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "start_failed", err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	report, err := s.session.Stop(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, app.ErrNotCapturing):
		writeError(w, http.StatusConflict, "not_capturing", err)
	default:
		s.logger.Error(r.Context(), "session stop failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "stop_failed", err)
	}
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	var req distanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if req.Meters <= 0 || math.IsInf(req.Meters, 0) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: meters must be positive", ErrBadRequest))
		return
	}
	s.session.OnDistance(req.Meters)
	writeJSON(w, http.StatusAccepted, s.session.Snapshot(r.Context()))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	report, err := s.session.Flush(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case worker.IsSkipped(err):
		writeError(w, http.StatusConflict, "flush_in_progress", err)
	default:
		writeError(w, http.StatusInternalServerError, "flush_failed", err)
	}
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	n, err := s.session.Discard(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "discard failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "discard_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, discardResponse{Discarded: n})
}
