package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hixprotocol/hix/internal/adapters/sensor"
)

const maxReadingsBody = 1 << 20

type readingsResponse struct {
	Accepted int `json:"accepted"`
}

// handleReadings takes one reading object or an array of them.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusNotFound, "not_enabled", ErrNotEnabled)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReadingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	var readings []sensor.Reading
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &readings)
	} else {
		var one sensor.Reading
		err = json.Unmarshal(trimmed, &one)
		readings = append(readings, one)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	for i, rd := range readings {
		err := s.ingester.Ingest(rd)
		switch {
		case err == nil:
		case errors.Is(err, sensor.ErrNotSubscribed):
			writeError(w, http.StatusConflict, "not_capturing", err)
			return
		case errors.Is(err, sensor.ErrUnknownChannel):
			writeError(w, http.StatusBadRequest, "unknown_channel", fmt.Errorf("reading %d: %w", i, err))
			return
		default:
			writeError(w, http.StatusInternalServerError, "ingest_failed", err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, readingsResponse{Accepted: len(readings)})
}
