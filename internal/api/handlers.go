package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/policy/ratelimit"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
	storeTimeout        = 3 * time.Second
)

// getCheckpoint handles GET /v1/jobs/{job_id}/checkpoint?failures=&limit=&offset=.
// Expired sessions are reported with 410 and their last known progress.
func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := checkpoint.ValidateJobID(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	withFailures := r.URL.Query().Get("failures") == "true"
	limit, offset, err := parseLimitOffset(r, defaultFailureLimit, maxFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	cp, err := s.deps.Checkpoints.Load(ctx, jobID)
	status := http.StatusOK
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	case errors.Is(err, checkpoint.ErrSessionExpired) && cp != nil:
		status = http.StatusGone
	case err != nil:
		s.logger.Error("load checkpoint failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}

	st := cp.Status(s.deps.Now())
	dto := checkpointDTO{
		JobID:         st.JobID,
		TotalURLs:     st.TotalURLs,
		Completed:     st.Completed,
		Failed:        st.Failed,
		Remaining:     st.Remaining,
		CreatedAt:     st.CreatedAt,
		LastUpdatedAt: st.LastUpdatedAt,
		ExpiresAt:     st.ExpiresAt,
		Expired:       st.Expired,
	}
	if withFailures {
		dto.Failures = pageFailures(st.Failures, limit, offset)
	}
	writeJSON(w, status, map[string]any{"checkpoint": dto})
}

// expireCheckpoint handles DELETE /v1/jobs/{job_id}/checkpoint.
func (s *Server) expireCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := checkpoint.ValidateJobID(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.deps.Checkpoints.Expire(ctx, jobID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		s.logger.Error("expire checkpoint failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to expire checkpoint")
		return
	}
	s.logger.Info("checkpoint expired via API", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "expired"})
}

// listHosts handles GET /v1/hosts, merging circuit and limiter views by host.
func (s *Server) listHosts(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Circuits == nil && s.deps.Limits == nil {
		writeError(w, http.StatusServiceUnavailable, "host state unavailable")
		return
	}
	byHost := make(map[string]*hostDTO)
	get := func(host string) *hostDTO {
		h, ok := byHost[host]
		if !ok {
			h = &hostDTO{Host: host}
			byHost[host] = h
		}
		return h
	}
	if s.deps.Circuits != nil {
		for _, c := range s.deps.Circuits.Snapshot() {
			get(c.Host).Circuit = &c
		}
	}
	if s.deps.Limits != nil {
		for _, l := range s.deps.Limits.Snapshot() {
			get(l.Host).Rate = &l
		}
	}
	out := make([]hostDTO, 0, len(byHost))
	for _, h := range byHost {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	writeJSON(w, http.StatusOK, map[string]any{"hosts": out})
}

func (s *Server) runState(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, s.runDTO())
}

func (s *Server) pauseRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	s.deps.Control.Pause()
	s.logger.Info("run paused via API")
	writeJSON(w, http.StatusOK, s.runDTO())
}

func (s *Server) resumeRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	s.deps.Control.Resume()
	s.logger.Info("run resumed via API")
	writeJSON(w, http.StatusOK, s.runDTO())
}

// stopRun handles POST /v1/run/stop?mode=drain|cancel.
func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	policy, err := parseStopPolicy(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Control.Stop(policy)
	s.logger.Info("run stopped via API", zap.Bool("cancel", policy == batch.Cancel))
	writeJSON(w, http.StatusAccepted, s.runDTO())
}

func (s *Server) runDTO() runDTO {
	return runDTO{
		Paused:   s.deps.Control.Paused(),
		Stopped:  s.deps.Control.Stopped(),
		InFlight: s.deps.Control.InFlight(),
	}
}

func parseStopPolicy(mode string) (batch.StopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "drain":
		return batch.Drain, nil
	case "cancel":
		return batch.Cancel, nil
	default:
		return 0, errors.New("invalid mode")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func pageFailures(failures map[int]string, limit, offset int) []failureDTO {
	idx := make([]int, 0, len(failures))
	for i := range failures {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	if offset >= len(idx) {
		return []failureDTO{}
	}
	idx = idx[offset:min(offset+limit, len(idx))]
	out := make([]failureDTO, 0, len(idx))
	for _, i := range idx {
		out = append(out, failureDTO{Index: i, Summary: failures[i]})
	}
	return out
}

type checkpointDTO struct {
	JobID         string       `json:"job_id"`
	TotalURLs     int          `json:"total_urls"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	Remaining     int          `json:"remaining"`
	CreatedAt     time.Time    `json:"created_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
	ExpiresAt     time.Time    `json:"expires_at,omitzero"`
	Expired       bool         `json:"expired"`
	Failures      []failureDTO `json:"failures,omitempty"`
}

type failureDTO struct {
	Index   int    `json:"index"`
	Summary string `json:"summary"`
}

type hostDTO struct {
	Host    string               `json:"host"`
	Circuit *breaker.HostState   `json:"circuit,omitempty"`
	Rate    *ratelimit.HostState `json:"rate,omitempty"`
}

type runDTO struct {
	Paused   bool `json:"paused"`
	Stopped  bool `json:"stopped"`
	InFlight int  `json:"in_flight"`
}
