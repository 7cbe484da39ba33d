// Package report aggregates batch results into an operator-facing job
// summary: counts per outcome kind and per host, circuit health and
// recommendations.
package report

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

// HostSummary is the per-host row of a Summary.
type HostSummary struct {
	Host      string         `json:"host"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"by_kind,omitempty"`
	Circuit   string         `json:"circuit,omitempty"`
}

// Summary is the aggregate view of a job run. It keeps counters only, never
// the results themselves.
type Summary struct {
	JobID           string                  `json:"job_id"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at,omitzero"`
	Processed       int                     `json:"processed"`
	Succeeded       int                     `json:"succeeded"`
	Failed          int                     `json:"failed"`
	ByKind          map[string]int          `json:"by_kind"`
	ByCause         map[string]int          `json:"by_cause,omitempty"`
	StatusCodes     map[int]int             `json:"status_codes,omitempty"`
	Hosts           map[string]*HostSummary `json:"hosts"`
	OpenHosts       []string                `json:"open_hosts,omitempty"`
	FatalHosts      []string                `json:"fatal_hosts,omitempty"`
	Chunks          int                     `json:"chunks"`
	PeakRetained    int                     `json:"peak_retained"`
	Recommendations []string                `json:"recommendations,omitempty"`
}

// New returns an empty summary for jobID.
func New(jobID string, startedAt time.Time) *Summary {
	return &Summary{
		JobID:       jobID,
		StartedAt:   startedAt,
		ByKind:      make(map[string]int),
		ByCause:     make(map[string]int),
		StatusCodes: make(map[int]int),
		Hosts:       make(map[string]*HostSummary),
	}
}

// Add folds one result into the counters.
func (s *Summary) Add(r fetch.Result) {
	s.Processed++
	host := r.Host
	if host == "" {
		host = "(invalid)"
	}
	row, ok := s.Hosts[host]
	if !ok {
		row = &HostSummary{Host: host, ByKind: make(map[string]int)}
		s.Hosts[host] = row
	}
	if r.Outcome.OK() {
		s.Succeeded++
		row.Succeeded++
		return
	}
	s.Failed++
	row.Failed++
	kind := string(r.Outcome.Kind())
	s.ByKind[kind]++
	row.ByKind[kind]++
	if fe := r.Outcome.Err; fe != nil {
		if fe.Cause != "" {
			s.ByCause[string(fe.Cause)]++
		}
		if fe.StatusCode != 0 {
			s.StatusCodes[fe.StatusCode]++
		}
	}
}

// ApplyCircuits records which hosts have open or fatal circuits.
func (s *Summary) ApplyCircuits(states []breaker.HostState) {
	s.OpenHosts = s.OpenHosts[:0]
	s.FatalHosts = s.FatalHosts[:0]
	for _, st := range states {
		if row, ok := s.Hosts[st.Host]; ok {
			row.Circuit = st.State
		}
		switch {
		case st.Fatal:
			s.FatalHosts = append(s.FatalHosts, st.Host)
		case st.State != breaker.Closed.String():
			s.OpenHosts = append(s.OpenHosts, st.Host)
		}
	}
	sort.Strings(s.OpenHosts)
	sort.Strings(s.FatalHosts)
}

// Finish stamps the end time and derives recommendations.
func (s *Summary) Finish(at time.Time) {
	s.FinishedAt = at
	s.Recommendations = s.recommend()
}

func (s *Summary) recommend() []string {
	var out []string
	notFound := s.ByKind[string(retry.KindNotFound)] + s.ByCause[string(retry.KindNotFound)]
	if s.Processed > 0 && s.Succeeded == 0 {
		out = append(out, "no successful retrievals: the site may be down, moved to another domain, or the URLs are incorrect")
	}
	if notFound > 0 && notFound == s.Failed && s.Succeeded == 0 {
		out = append(out, "every URL was not found: the URL structure has likely changed")
	} else if notFound > 0 || s.StatusCodes[http.StatusNotFound] > 0 {
		out = append(out, "not-found responses suggest the URL structure has changed; consider a sitemap")
	}
	if s.StatusCodes[http.StatusForbidden] > 0 {
		out = append(out, "403 responses suggest access restrictions; check whether authentication is required")
	}
	if s.ByCause[string(retry.KindRateLimited)] > 0 {
		out = append(out, "rate limiting exhausted retries; lower the host rate or add a host override")
	}
	if len(s.FatalHosts) > 0 {
		out = append(out, fmt.Sprintf("hosts unreachable after repeated failed probes: %s", strings.Join(s.FatalHosts, ", ")))
	}
	if len(s.OpenHosts) > 0 {
		out = append(out, fmt.Sprintf("circuits open for %s: those hosts are failing or blocking requests", strings.Join(s.OpenHosts, ", ")))
	}
	return out
}

// HostRows returns per-host rows sorted by failures, then host.
func (s *Summary) HostRows() []HostSummary {
	rows := make([]HostSummary, 0, len(s.Hosts))
	for _, row := range s.Hosts {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Failed != rows[j].Failed {
			return rows[i].Failed > rows[j].Failed
		}
		return rows[i].Host < rows[j].Host
	})
	return rows
}
