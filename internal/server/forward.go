package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// forwardBody is the minimal shape read from the client's request, enough
// to drive routing and token estimation without understanding the full
// upstream wire format (Anthropic Messages or OpenAI Chat Completions).
type forwardBody struct {
	Model    string         `json:"model"`
	Messages []core.Message `json:"messages"`
}

// handleForward is the admitted-request path of spec §4: admission,
// body-size enforcement, routing/token estimation, forwarding, and the
// stats/trace/event side effects published exactly once on completion.
// Grounded on the teacher's internal/app/proxy.go ServeHTTP entrypoint,
// re-pointed at this package's admission gate and credential-pool
// forwarder instead of per-provider dispatch.
func (s *server) handleForward(w http.ResponseWriter, r *http.Request) {
	maxBody := s.deps.MaxBodySize
	if maxBody <= 0 {
		maxBody = 5 << 20
	}

	bodyBytes, err := readLimitedBody(r, maxBody)
	if err != nil {
		writeAPIError(w, r, core.NewStatusError(http.StatusRequestEntityTooLarge, core.ErrKindRequestTooLarge, "request body exceeds maxBodySize"))
		return
	}

	release, err := s.deps.Gate.Admit(r.Context(), int64(len(bodyBytes)))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	defer release()

	var parsed forwardBody
	_ = json.Unmarshal(bodyBytes, &parsed) // best-effort: unparseable bodies still forward, untiered

	req := &core.Request{
		RequestID:     requestIDFor(r),
		Method:        r.Method,
		Path:          r.URL.Path,
		OriginalModel: parsed.Model,
		Timestamps:    core.Timestamps{Queued: time.Now()},
	}
	if s.deps.TokenCounter != nil {
		req.InputTokens = s.deps.TokenCounter.EstimateRequest(parsed.Model, parsed.Messages)
	}
	if req.OriginalModel == "" {
		req.OriginalModel = s.deps.DefaultModel
	}

	fwdErr := s.deps.Forwarder.Forward(r.Context(), w, r, req, bodyBytes)

	req.Timestamps.Completed = time.Now()
	if fwdErr != nil && req.ErrorKind == core.ErrKindNone {
		req.ErrorKind = core.KindOf(fwdErr)
		if req.StatusCode == 0 {
			req.StatusCode = errorStatus(fwdErr)
		}
	}

	if s.deps.Aggregator != nil {
		s.deps.Aggregator.Record(req)
	}
	if s.deps.SnapshotWriter != nil {
		s.deps.SnapshotWriter.MarkDirty()
	}
	if s.deps.Traces != nil {
		s.deps.Traces.Put(req)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(core.EventFromRequest(req))
	}

	if fwdErr != nil && req.Timestamps.FirstByte.IsZero() {
		writeAPIError(w, r, fwdErr)
	}
}

func requestIDFor(r *http.Request) string {
	if id := core.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// readLimitedBody reads r.Body up to limit+1 bytes, returning an error if
// the body exceeds limit. The +1 lets a body exactly at the limit read
// cleanly while still detecting an overflow on the next byte.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	lr := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, core.ErrRequestTooLarge
	}
	return data, nil
}
