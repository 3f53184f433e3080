// Package forwarder streams admitted requests to the upstream API with
// model-tier rewriting, retry-on-retriable-outcome, and first-byte-commits
// streaming, per spec §4.4. Grounded on the teacher's
// internal/provider/proxy.go (ForwardRequest, NewTransport, hop-by-hop
// header stripping) and internal/app/proxy.go (the failover loop shape).
package forwarder

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// DNS caching, identical in shape to the teacher's provider.NewTransport.
// forceHTTP2 should be true for remote HTTPS upstreams.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must never be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// authHeaders are stripped from the client's request before the selected
// credential's transport applies its own auth.
var authHeaders = map[string]struct{}{
	"Authorization":   {},
	"X-Api-Key":       {},
	"X-Goog-Api-Key":  {},
	"Api-Key":         {},
}
