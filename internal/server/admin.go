package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
)

// credentialDetail is the per-credential view exposed at GET /stats.
type credentialDetail struct {
	Index          int                          `json:"index"`
	Hosting        string                       `json:"hosting"`
	State          string                       `json:"state"`
	InFlight       int                          `json:"inFlight"`
	MaxConcurrency int                          `json:"maxConcurrency"`
	HealthScore    int                          `json:"healthScore"`
	P95Ms          int64                        `json:"p95Ms"`
	Draining       bool                         `json:"draining"`
	Counters       credential.CountersSnapshot  `json:"counters"`
}

type statsResponse struct {
	Schema      int                `json:"schemaVersion"`
	Totals      stats.Totals       `json:"totals"`
	Credentials []credentialDetail `json:"credentials"`
	Queue       admissionSnapshot  `json:"queue"`
}

type admissionSnapshot struct {
	Current       int   `json:"current"`
	Max           int   `json:"max"`
	Available     int   `json:"available"`
	QueueCurrent  int   `json:"queueCurrent"`
	QueueMax      int   `json:"queueMax"`
	EnqueuedTotal int64 `json:"enqueuedTotal"`
	TimedOutTotal int64 `json:"timedOutTotal"`
}

// handleStats reports the global totals, per-credential breakdown, and
// admission queue occupancy, per spec §6 GET /stats.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Aggregator.Snapshot()
	active, draining := s.deps.Pool.Snapshot()

	details := make([]credentialDetail, 0, len(active)+len(draining))
	details = appendCredentialDetails(details, active, false)
	details = appendCredentialDetails(details, draining, true)

	gateSnap := s.deps.Gate.Snapshot()
	resp := statsResponse{
		Schema:      snap.SchemaVersion,
		Totals:      snap.Totals,
		Credentials: details,
		Queue: admissionSnapshot{
			Current:       gateSnap.Current,
			Max:           gateSnap.Max,
			Available:     gateSnap.Available,
			QueueCurrent:  gateSnap.QueueCurrent,
			QueueMax:      gateSnap.QueueMax,
			EnqueuedTotal: gateSnap.EnqueuedTotal,
			TimedOutTotal: gateSnap.TimedOutTotal,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func appendCredentialDetails(out []credentialDetail, creds []*credential.Credential, draining bool) []credentialDetail {
	for _, c := range creds {
		out = append(out, credentialDetail{
			Index:          c.Index,
			Hosting:        c.Hosting,
			State:          c.Breaker.State().String(),
			InFlight:       c.InFlight(),
			MaxConcurrency: c.MaxConcurrency,
			HealthScore:    c.HealthScore(),
			P95Ms:          c.P95(),
			Draining:       draining,
			Counters:       c.Counters.Snapshot(),
		})
	}
	return out
}

// handleStatsCost reports the cost tracker's current totals and
// daily/monthly projections, per spec §6 GET /stats/cost.
func (s *server) handleStatsCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Aggregator.Snapshot().Cost)
}

// handleModels reports the configured model list, per spec §6 GET /models.
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Models, "default": s.deps.DefaultModel})
}

// handleHistory reports rolled-up request/cost history for the requested
// window, per spec §6 GET /history?minutes=N.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minutes = n
		}
	}
	if s.deps.RollupStore == nil {
		writeAPIError(w, r, core.NewStatusError(http.StatusServiceUnavailable, core.ErrKindNone, "history rollups not configured"))
		return
	}
	hist, err := stats.QueryHistory(r.Context(), s.deps.RollupStore, minutes, s.deps.SchemaVersion)
	if err != nil {
		writeAPIError(w, r, core.NewStatusError(http.StatusInternalServerError, core.ErrKindNone, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// handleTraces lists the most recent archived request traces, per spec §6
// GET /traces.
func (s *server) handleTraces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"traces": s.deps.Traces.Recent()})
}

// handleTraceByID serves a single archived trace by request ID, mounted on
// the plain ServeMux at the "/traces/" prefix since the exact-match router
// can't express a path parameter.
func (s *server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeAPIError(w, r, core.NewStatusError(http.StatusMethodNotAllowed, core.ErrKindMethodNotAllowed, "method not allowed"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/traces/")
	if id == "" {
		writeAPIError(w, r, core.NewStatusError(http.StatusNotFound, core.ErrKindNotFound, "not found"))
		return
	}
	req, ok := s.deps.Traces.Get(id)
	if !ok {
		writeAPIError(w, r, core.NewStatusError(http.StatusNotFound, core.ErrKindNotFound, "trace not found"))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleLogs serves the in-memory tail of recent log records, per spec §6
// GET /logs.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.deps.Logs.Snapshot()})
}

// handleBackpressure reports the admission gate's current occupancy, per
// spec §6 GET /backpressure.
func (s *server) handleBackpressure(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Gate.Snapshot()
	writeJSON(w, http.StatusOK, admissionSnapshot{
		Current:       snap.Current,
		Max:           snap.Max,
		Available:     snap.Available,
		QueueCurrent:  snap.QueueCurrent,
		QueueMax:      snap.QueueMax,
		EnqueuedTotal: snap.EnqueuedTotal,
		TimedOutTotal: snap.TimedOutTotal,
	})
}

type reloadResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// handleReload re-reads the credentials file and diff-installs the result
// into the pool, per spec §6 POST /reload (admin-gated).
func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Pool.Reload(r.Context(), s.deps.CredentialsPath, s.deps.Loader)
	if err != nil {
		writeAPIError(w, r, core.NewStatusError(http.StatusInternalServerError, core.ErrKindNone, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Added: result.Added, Removed: result.Removed, Total: result.Total})
}

// handlePause stops the admission gate from granting new permits, per spec
// §6 POST /control/pause (admin-gated).
func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Gate.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume resumes normal admission, per spec §6 POST /control/resume
// (admin-gated).
func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Gate.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleClearLogs empties the in-memory log ring, per spec §6 POST
// /control/clear-logs (admin-gated).
func (s *server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.deps.Logs.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
