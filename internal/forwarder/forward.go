package forwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// dialUpstream issues one upstream HTTP call and returns the raw response
// without touching the client's http.ResponseWriter. The retry loop
// inspects resp.StatusCode to decide retriability *before* anything is
// written to the client -- spec §4.4 forbids retrying once the client has
// seen the first byte, and the status line is the first byte, so the
// decision must happen here, one level up from where headers get flushed.
func dialUpstream(ctx context.Context, client *http.Client, baseURL, path, query, method string, header http.Header, body io.Reader) (*http.Response, error) {
	targetURL := baseURL + path
	if query != "" {
		targetURL += "?" + query
	}

	outReq, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: create request: %w", err)
	}
	for key, vals := range header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, isAuth := authHeaders[http.CanonicalHeaderKey(key)]; isAuth {
			continue
		}
		outReq.Header[key] = vals
	}
	if outReq.Header.Get("X-Request-Id") == "" {
		outReq.Header.Set("X-Request-Id", uuid.NewString())
	}

	return client.Do(outReq)
}

// streamToClient commits resp as the final answer: headers and status are
// written first, then the body is streamed without buffering, flushing
// after every read when the content type indicates a streaming response.
// Once this is called the attempt can no longer be retried.
func streamToClient(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	streaming := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("forwarder: write response: %w", writeErr)
			}
			if streaming {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("forwarder: read response: %w", readErr)
		}
	}
}
