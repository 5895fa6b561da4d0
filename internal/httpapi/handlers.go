package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
	"github.com/MimeLyc/sizetrimmer/internal/persistence"
	"github.com/MimeLyc/sizetrimmer/internal/pipeline"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

const maxHistoryLimit = 500

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	filter := persistence.HistoryFilter{
		Status:    jobs.State(strings.ToLower(q.Get("status"))),
		MediaType: library.MediaType(strings.ToLower(q.Get("media_type"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxHistoryLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	records, err := s.pipeline.History(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []persistence.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleConfig decodes a POST body onto the current settings, so keys the
// body leaves out keep their value.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.pipeline.Settings())
	case http.MethodPost, http.MethodPut:
		next := s.pipeline.Settings()
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		saved, err := s.pipeline.UpdateSettings(next)
		if err != nil {
			var vErr *config.ValidationError
			if errors.As(err, &vErr) {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":  err.Error(),
					"fields": vErr.Fields,
				})
				return
			}
			writeFailure(w, err)
			return
		}
		log.Info("Settings updated from %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

// handlePause sets the pause gate, or flips it when the body names no value.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	paused := !s.pipeline.Snapshot().IsPaused
	if req.Paused != nil {
		paused = *req.Paused
	}
	s.pipeline.SetPaused(paused)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"is_paused": paused,
	})
}

type cancelRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if err := s.pipeline.Cancel(req.FilePath); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no queued or running job for "+req.FilePath)
			return
		}
		if errors.Is(err, jobs.ErrFinishing) {
			writeError(w, http.StatusConflict, "job for "+req.FilePath+" is already finishing")
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.pipeline.TriggerScan(); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "success"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

// writeFailure picks the status code from the error's class.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch pipeline.ClassifyError(err) {
	case pipeline.ErrValidation:
		status = http.StatusBadRequest
	case pipeline.ErrFatal:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, status, err.Error())
}
