package server

import (
	"net/http"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set.
// Together they save 3 allocs/req per health endpoint.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// healthQueue mirrors the admission gate's queue occupancy for the health
// payload's nested backpressure.queue object.
type healthQueue struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type healthBackpressure struct {
	Queue healthQueue `json:"queue"`
}

type healthBody struct {
	Status      string              `json:"status"` // "ok" | "degraded"
	HealthyKeys int                 `json:"healthyKeys"`
	TotalKeys   int                 `json:"totalKeys"`
	UptimeMs    int64               `json:"uptime"`
	Backpressure healthBackpressure `json:"backpressure"`
}

// handleHealth reports aggregate pool health and admission occupancy, per
// spec §6's GET /health: {status, healthyKeys, totalKeys, uptime,
// backpressure:{queue:{...}}}.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, draining := s.deps.Pool.Snapshot()
	total := len(active) + len(draining)
	healthy := 0
	for _, c := range active {
		if c.Breaker.State() != credential.StateOpen {
			healthy++
		}
	}

	status := "ok"
	if total == 0 || healthy == 0 {
		status = "degraded"
	}

	snap := s.deps.Gate.Snapshot()
	body := healthBody{
		Status:      status,
		HealthyKeys: healthy,
		TotalKeys:   total,
		UptimeMs:    time.Since(s.deps.StartTime).Milliseconds(),
		Backpressure: healthBackpressure{
			Queue: healthQueue{Current: snap.QueueCurrent, Max: snap.QueueMax},
		},
	}

	httpStatus := http.StatusOK
	if status == "degraded" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, body)
}
