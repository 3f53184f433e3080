// Package server assembles the proxy's HTTP surface: the exact-match route
// table of spec §6, the admission/forwarding request path, the admin
// control plane, and the SSE dashboards. Grounded on the teacher's
// internal/server/server.go Deps-aggregate-of-collaborators shape, re-pointed
// from chi's prefix router at internal/router's exact-match dispatch (see
// DESIGN.md for why chi was dropped from this package).
package server

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/RicherTunes/ai-proxy-sub011/internal/admission"
	"github.com/RicherTunes/ai-proxy-sub011/internal/config"
	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
	"github.com/RicherTunes/ai-proxy-sub011/internal/eventbus"
	"github.com/RicherTunes/ai-proxy-sub011/internal/forwarder"
	"github.com/RicherTunes/ai-proxy-sub011/internal/logbuffer"
	"github.com/RicherTunes/ai-proxy-sub011/internal/router"
	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
	"github.com/RicherTunes/ai-proxy-sub011/internal/telemetry"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tokencount"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tracestore"
)

// Deps collects every collaborator the HTTP layer dispatches into. One
// instance is built once at startup by cmd/llmproxy and handed to New.
type Deps struct {
	Gate            *admission.Gate
	Pool            *credential.Pool
	Loader          *credential.Loader
	CredentialsPath string

	Forwarder    *forwarder.Forwarder
	TokenCounter *tokencount.Counter
	DefaultModel string

	Aggregator     *stats.Aggregator
	SnapshotWriter *stats.SnapshotWriter
	RollupStore    stats.RollupStore

	Bus    *eventbus.Bus[core.RequestEvent]
	Traces *tracestore.Store
	Logs   *logbuffer.Ring

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer

	AdminAuth *router.AdminAuth
	Models    []config.ModelConfig

	SchemaVersion     int
	HeartbeatInterval time.Duration
	ReplaySize        int
	// ClientTimeout bounds how long an SSE write may block before the
	// subscriber is considered stalled and disconnected, per spec §4.6.
	ClientTimeout time.Duration
	MaxBodySize   int64
	RedactBodies  bool
	CSPEnabled    bool

	StartTime time.Time

	// ReadyCheck backs the container-orchestrator readiness probe at
	// /readyz; nil means always ready.
	ReadyCheck func(ctx context.Context) error
}

// server holds Deps behind unexported methods, matching the teacher's
// receiver-per-handler style rather than free functions closing over deps.
type server struct {
	deps Deps
}

// New builds the full HTTP handler: the exact-match route table of spec §6
// wrapped in the teacher's middleware chain (recovery, request ID, logging,
// metrics, tracing, security headers), plus a thin http.ServeMux in front
// for the one genuinely dynamic path segment the router can't express,
// GET /traces/{id}, and for the liveness/metrics endpoints that sit outside
// the admin/public route table entirely.
func New(deps Deps) http.Handler {
	if deps.SchemaVersion <= 0 {
		deps.SchemaVersion = 2
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 15 * time.Second
	}
	if deps.ReplaySize <= 0 {
		deps.ReplaySize = 50
	}
	if deps.ClientTimeout <= 0 {
		deps.ClientTimeout = 30 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	s := &server{deps: deps}

	rt := router.New(deps.AdminAuth)
	rt.Handle("/v1/messages", []string{"POST"}, false, s.handleForward)
	rt.Handle("/v1/chat/completions", []string{"POST"}, false, s.handleForward)
	rt.Handle("/health", []string{"GET"}, false, s.handleHealth)
	rt.Handle("/stats", []string{"GET"}, false, s.handleStats)
	rt.Handle("/stats/cost", []string{"GET"}, false, s.handleStatsCost)
	rt.Handle("/models", []string{"GET"}, false, s.handleModels)
	rt.Handle("/history", []string{"GET"}, false, s.handleHistory)
	rt.Handle("/traces", []string{"GET"}, false, s.handleTraces)
	rt.Handle("/logs", []string{"GET"}, false, s.handleLogs)
	rt.Handle("/backpressure", []string{"GET"}, false, s.handleBackpressure)
	rt.Handle("/reload", []string{"POST"}, true, s.handleReload)
	rt.Handle("/control/pause", []string{"POST"}, true, s.handlePause)
	rt.Handle("/control/resume", []string{"POST"}, true, s.handleResume)
	rt.Handle("/control/clear-logs", []string{"POST"}, true, s.handleClearLogs)
	rt.Handle("/events", []string{"GET"}, false, s.handleEvents)
	rt.Handle("/requests/stream", []string{"GET"}, false, s.handleRequestsStream)

	mux := http.NewServeMux()
	mux.HandleFunc("/traces/", s.handleTraceByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		mux.Handle("/metrics", deps.MetricsHandler)
	}
	mux.Handle("/", rt)

	var h http.Handler = mux
	h = logging(h)
	h = metricsMiddleware(deps.Metrics)(h)
	if deps.Tracer != nil {
		h = tracingMiddleware(deps.Tracer)(h)
	}
	h = requestID(h)
	h = recovery(h)
	if deps.CSPEnabled {
		h = cspHeader(h)
	}
	h = securityHeaders(h)
	return h
}
