package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// initSnapshot is the first message on every SSE connection, per spec §6:
// `type:"init"` carrying `{seq, ts, schemaVersion, clientId, recentRequests[]}`.
type initSnapshot struct {
	Type           string                      `json:"type"`
	Seq            int64                       `json:"seq"`
	Ts             int64                       `json:"ts"`
	SchemaVersion  int                         `json:"schemaVersion"`
	ClientID       string                      `json:"clientId"`
	RecentRequests []core.RequestEvent         `json:"recentRequests"`
}

// writeSSENamedEvent writes one "event: <name>\ndata: <json>\n\n" frame,
// flushing immediately so the client sees it without buffering delay. It
// returns the first write error encountered (e.g. a write-deadline timeout
// on a stalled client) so the caller can disconnect.
func writeSSENamedEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	if _, err := w.Write([]byte("event: ")); err != nil {
		return err
	}
	if _, err := w.Write([]byte(event)); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\ndata: ")); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return err
	}
	if _, err := w.Write(sseNewline); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// handleEvents and handleRequestsStream both serve spec §6's SSE contract:
// an "init" snapshot of the replay window, a "connected" acknowledgement,
// one named event per published request, and periodic heartbeats. They
// share an implementation and differ only in the named event a completed
// request is published under -- "request" for the general dashboard feed,
// "request-complete" for the dedicated completions feed.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "request")
}

func (s *server) handleRequestsStream(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "request-complete")
}

func (s *server) streamEvents(w http.ResponseWriter, r *http.Request, eventName string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, r, core.NewStatusError(http.StatusInternalServerError, core.ErrKindNone, "streaming unsupported"))
		return
	}

	writeSSEHeaders(w)

	ch, unsubscribe := s.deps.Bus.Subscribe(r.Context())
	defer unsubscribe()

	clientTimeout := s.deps.ClientTimeout
	if clientTimeout <= 0 {
		clientTimeout = 30 * time.Second
	}
	rc := http.NewResponseController(w)

	// deadline resets the per-write deadline before every frame so a
	// subscriber that fails to drain within clientTimeout is disconnected,
	// per spec §4.6, instead of blocking the handler goroutine forever --
	// the server's own WriteTimeout is deliberately 0 for streaming
	// responses (see config.ServerConfig), so nothing else bounds this.
	deadline := func() {
		_ = rc.SetWriteDeadline(time.Now().Add(clientTimeout))
	}

	deadline()
	if err := writeSSEData(w, mustJSON(initSnapshot{
		Type:           "init",
		Ts:             time.Now().UnixMilli(),
		SchemaVersion:  s.deps.SchemaVersion,
		ClientID:       uuid.NewString(),
		RecentRequests: s.deps.Bus.Replay(),
	})); err != nil {
		return
	}
	flusher.Flush()
	deadline()
	if err := writeSSENamedEvent(w, flusher, "connected", map[string]string{"status": "connected"}); err != nil {
		return
	}

	heartbeat := s.deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			deadline()
			if err := writeSSENamedEvent(w, flusher, eventName, env); err != nil {
				return
			}
		case <-ticker.C:
			deadline()
			if err := writeSSENamedEvent(w, flusher, "heartbeat", map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
