package credential

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// httpStatusError is implemented by errors carrying an HTTP status code,
// matching the interface shape used by the forwarder's retry loop.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError maps a forwarding outcome to a circuit-breaker error weight
// and a taxonomy ErrorKind, extended from the teacher's
// circuitbreaker.ClassifyError with the premature-socket-close / hangup
// case spec §7 names that a complete-response-only classifier doesn't need.
//
// Weights: 429 -> 0.5; 5xx -> 1.0; timeout -> 1.5; other 4xx -> 0.0;
// network/hangup -> 1.0; nil -> 0.0.
func ClassifyError(err error) (weight float64, kind core.ErrorKind) {
	if err == nil {
		return 0, core.ErrKindNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5, core.ErrKindUpstreamTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return 1.0, core.ErrKindUpstreamHangup
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0, core.ErrKindUpstreamNetwork
	}

	return 1.0, core.ErrKindUpstreamNetwork
}

// ClassifyStatus maps a completed HTTP status code to weight + kind.
func ClassifyStatus(code int) (weight float64, kind core.ErrorKind) {
	return classifyStatus(code)
}

func classifyStatus(code int) (float64, core.ErrorKind) {
	switch {
	case code == 429:
		return 0.5, core.ErrKindUpstream429
	case code >= 500 && code < 600:
		return 1.0, core.ErrKindUpstream5xx
	case code >= 400 && code < 500:
		return 0.0, core.ErrKindUpstream4xx
	case code >= 200 && code < 300:
		return 0, core.ErrKindNone
	default:
		return 0, core.ErrKindNone
	}
}

// IsRetriable reports whether an outcome with the given kind should be
// retried against a different credential, per spec §4.4's classification
// table: 429 and transient 5xx/timeout/hangup/network are retriable;
// other 4xx is not.
func IsRetriable(kind core.ErrorKind) bool {
	switch kind {
	case core.ErrKindUpstream429, core.ErrKindUpstream5xx, core.ErrKindUpstreamTimeout,
		core.ErrKindUpstreamHangup, core.ErrKindUpstreamNetwork:
		return true
	default:
		return false
	}
}
