package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
)

// Config holds the forwarder's retry and replay policy, per spec §6's
// "retries" and "concurrency" groups.
type Config struct {
	BaseURL            string
	RetryBudget        int
	RetryBaseMs        int
	RetryCapMs         int
	StoreBodySizeLimit int64
	IdleReadTimeout    time.Duration
	TotalDeadline      time.Duration
}

// Router resolves a client-declared model to a routing decision. Kept as an
// interface here (rather than importing internal/config) so the forwarder
// has no dependency on the routing table's file format.
type Router interface {
	Resolve(model string) (mapped string, decision core.RoutingDecision)
}

// Forwarder drives the per-attempt protocol of spec §4.4: credential
// selection, auth/header rewriting, streaming passthrough, outcome
// classification, and retry-with-replay. Grounded on the teacher's
// internal/app/proxy.go failover loop, adapted from provider failover to
// credential failover within a single logical provider.
type Forwarder struct {
	Pool       *credential.Pool
	Router     Router
	Clients    ClientFactory
	Cfg        Config
}

// ClientFactory returns the *http.Client to use for a given credential
// (wrapping its RoundTripper so auth is applied transport-side, matching
// the teacher's NewAWSSigV4Transport/APIKeyTransport RoundTripper idiom).
type ClientFactory func(c *credential.Credential) *http.Client

// Forward runs the full admitted-request lifecycle: select a credential,
// attempt the request, retry on a retriable outcome with a fresh
// credential and the same replayed body, and stream the terminal response
// to w. req is mutated in place with attempts, mapped model, and the
// routing decision, matching the envelope's documented lifecycle.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, req *core.Request, bodyBytes []byte) error {
	if req.OriginalModel != "" && f.Router != nil {
		mapped, decision := f.Router.Resolve(req.OriginalModel)
		req.MappedModel = mapped
		req.RoutingDecision = decision
	} else {
		req.MappedModel = req.OriginalModel
	}
	if req.MappedModel != "" && req.MappedModel != req.OriginalModel {
		var fields map[string]json.RawMessage
		if json.Unmarshal(bodyBytes, &fields) == nil && fields != nil {
			if m, err := json.Marshal(req.MappedModel); err == nil {
				fields["model"] = m
				if out, err := json.Marshal(fields); err == nil {
					bodyBytes = out
				}
			}
		}
	}

	replayable := f.Cfg.StoreBodySizeLimit <= 0 || int64(len(bodyBytes)) <= f.Cfg.StoreBodySizeLimit

	for attempt := 0; ; attempt++ {
		cred, err := f.Pool.Select()
		if err != nil {
			var cold *credential.ColdError
			if errors.As(err, &cold) {
				return core.NewStatusError(503, core.ErrKindPoolCold, "no credential currently selectable")
			}
			return err
		}
		_, retry, attemptErr := f.runAttempt(ctx, w, r, req, cred, bodyBytes, replayable, attempt)
		if retry {
			continue
		}
		return attemptErr
	}
}

// runAttempt runs one dial+classify+(stream|retry) cycle against cred. It
// is a separate method (rather than inlined in the loop) so the attempt's
// context timeout is scoped with a plain defer instead of accumulating
// across retries.
func (f *Forwarder) runAttempt(ctx context.Context, w http.ResponseWriter, r *http.Request, req *core.Request, cred *credential.Credential, bodyBytes []byte, replayable bool, attempt int) (terminal, retry bool, err error) {
	if req.Timestamps.Dispatched.IsZero() {
		req.Timestamps.Dispatched = time.Now()
	}
	req.KeyIndex = cred.Index

	attemptCtx := ctx
	if f.Cfg.TotalDeadline > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.Cfg.TotalDeadline)
		defer cancel()
	}

	start := time.Now()
	client := f.Clients(cred)
	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	resp, dialErr := dialUpstream(attemptCtx, client, f.Cfg.BaseURL, r.URL.Path, r.URL.RawQuery, r.Method, r.Header, body)
	latencyMs := time.Since(start).Milliseconds()

	if dialErr != nil {
		_, kind := credential.ClassifyError(dialErr)
		f.Pool.RecordCompletion(cred, latencyMs, 0, dialErr)
		req.Attempts = append(req.Attempts, core.Attempt{KeyIndex: cred.Index, StatusCode: 0, LatencyMs: latencyMs, ErrorKind: kind})

		if credential.IsRetriable(kind) && replayable && attempt < f.Cfg.RetryBudget {
			f.sleepBackoff(ctx, attempt)
			return false, true, nil
		}
		req.StatusCode = 0
		req.ErrorKind = kind
		return true, false, dialErr
	}

	_, kind := credential.ClassifyStatus(resp.StatusCode)
	if credential.IsRetriable(kind) && replayable && attempt < f.Cfg.RetryBudget {
		resp.Body.Close()
		f.Pool.RecordCompletion(cred, latencyMs, resp.StatusCode, nil)
		req.Attempts = append(req.Attempts, core.Attempt{KeyIndex: cred.Index, StatusCode: resp.StatusCode, LatencyMs: latencyMs, ErrorKind: kind})
		f.sleepBackoff(ctx, attempt)
		return false, true, nil
	}

	if req.Timestamps.FirstByte.IsZero() {
		req.Timestamps.FirstByte = time.Now()
	}
	streamErr := streamToClient(w, resp)
	f.Pool.RecordCompletion(cred, latencyMs, resp.StatusCode, nil)
	req.Attempts = append(req.Attempts, core.Attempt{KeyIndex: cred.Index, StatusCode: resp.StatusCode, LatencyMs: latencyMs, ErrorKind: kind})
	req.StatusCode = resp.StatusCode
	req.ErrorKind = kind
	req.Timestamps.Completed = time.Now()
	return true, false, streamErr
}

// sleepBackoff waits out one retry's exponential-backoff-with-jitter
// delay, identical in shape to the credential pool's cooldown backoff
// (spec §4.4: "retries obey an exponential backoff with jitter identical
// in shape to the pool's backoff").
func (f *Forwarder) sleepBackoff(ctx context.Context, attempt int) {
	base := time.Duration(f.Cfg.RetryBaseMs) * time.Millisecond
	cap := time.Duration(f.Cfg.RetryCapMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if cap <= 0 {
		cap = 2 * time.Second
	}
	d := credential.Backoff(attempt+1, base, cap)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
