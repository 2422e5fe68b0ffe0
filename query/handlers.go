package query

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// statsWindow is the default aggregation window for /stats.
const statsWindow = 24 * time.Hour

// Envelope is the paged-list response shape.
type Envelope struct {
	Data    any   `json:"data"`
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Skip    int   `json:"skip"`
	HasMore bool  `json:"hasMore"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotID")
	if robotID == "" {
		s.writeError(w, http.StatusBadRequest, "robot id is required")
		return
	}

	// Cache first; any miss or cache failure falls back to the store
	if s.cache != nil {
		if record, err := s.cache.Get(r.Context(), robotID); err == nil {
			s.writeJSON(w, http.StatusOK, record)
			return
		}
	}

	record, err := s.store.Latest(r.Context(), robotID)
	if err != nil {
		if stderrors.Is(err, errors.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "no readings for robot")
			return
		}
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleLatestAll(w http.ResponseWriter, r *http.Request) {
	records := []*telemetry.Record{}

	if s.cache != nil {
		ids, err := s.cache.RobotIDs(r.Context())
		if err == nil {
			for _, id := range ids {
				if record, err := s.cache.Get(r.Context(), id); err == nil {
					records = append(records, record)
				}
			}
			s.writeJSON(w, http.StatusOK, records)
			return
		}
		s.logger.Warn("latest cache listing failed, falling back to store", "error", err)
	}

	// Without a cache the store's sensor-health listing names the
	// robots; fetch each latest record from the store.
	summaries, err := s.store.SensorHealth(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, summary := range summaries {
		if record, err := s.store.Latest(r.Context(), summary.RobotID); err == nil {
			records = append(records, record)
		}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writePage(w, r, filter)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.AnomaliesOnly = true
	s.writePage(w, r, filter)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, filter store.Filter) {
	filter.Normalize()

	records, err := s.store.Find(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	total, err := s.store.Count(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []*telemetry.Record{}
	}

	s.writeJSON(w, http.StatusOK, Envelope{
		Data:    records,
		Total:   total,
		Limit:   filter.Limit,
		Skip:    filter.Skip,
		HasMore: int64(filter.Skip+len(records)) < total,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := statsWindow
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			s.writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	stats, err := s.store.Stats(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.store.Count(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": total})
}

func (s *Server) handleSensorHealth(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.SensorHealth(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if summaries == nil {
		summaries = []store.SensorHealth{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.retentionDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := s.store.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("retention cleanup", "cutoff", cutoff, "deleted", deleted)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"cutoff":  cutoff,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]string{"status": status})
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	filter := store.Filter{RobotID: q.Get("robot_id")}

	if raw := q.Get("status"); raw != "" {
		status := telemetry.Status(strings.ToUpper(raw))
		if !status.Valid() {
			return store.Filter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return store.Filter{}, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := q.Get("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil || skip < 0 {
			return store.Filter{}, fmt.Errorf("skip must be a non-negative integer")
		}
		filter.Skip = skip
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, fmt.Errorf("since must be RFC3339")
		}
		filter.Since = since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, fmt.Errorf("until must be RFC3339")
		}
		filter.Until = until
	}
	return filter, nil
}

// fail maps a classified error to a status code without leaking
// internals to clients.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if s.metrics != nil {
		s.metrics.RecordError(s.name, "request")
	}
	s.logger.Error("request failed", "error", err)

	switch {
	case errors.IsInvalid(err):
		s.writeError(w, http.StatusBadRequest, "invalid request")
	case errors.IsTransient(err):
		s.writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.requestsFailed.Add(1)
	s.writeJSON(w, code, map[string]any{
		"error":  message,
		"status": code,
	})
}
