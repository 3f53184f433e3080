package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/admission"
	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
	"github.com/RicherTunes/ai-proxy-sub011/internal/forwarder"
	"github.com/RicherTunes/ai-proxy-sub011/internal/router"
	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tokencount"
)

func testBreakerCfg() credential.BreakerConfig {
	return credential.BreakerConfig{ErrorThreshold: 0.5, MinSamples: 2, WindowSeconds: 60, CooldownBase: 5 * time.Millisecond, CooldownCap: time.Second}
}

// newTestServer wires a minimal Deps pointed at upstream, matching
// cmd/llmproxy/run.go's composition but scoped down for handler tests.
func newTestServer(t *testing.T, upstream *httptest.Server, gateCfg admission.Config) http.Handler {
	t.Helper()

	pool := credential.NewPool(credential.StrategyBalanced)
	c := credential.New(0, credential.Config{Secret: "k1", MaxConcurrency: 4, RequestsPerMinute: 6000}, testBreakerCfg(), nil)
	pool.Install([]*credential.Credential{c})

	fwd := &forwarder.Forwarder{
		Pool: pool,
		Clients: func(*credential.Credential) *http.Client {
			return upstream.Client()
		},
		Cfg: forwarder.Config{BaseURL: upstream.URL, RetryBudget: 1, RetryBaseMs: 1, RetryCapMs: 10},
	}

	gate := admission.New(gateCfg)
	aggregator := stats.New(2, stats.NewCostTracker(nil))

	return New(Deps{
		Gate:         gate,
		Pool:         pool,
		Forwarder:    fwd,
		TokenCounter: tokencount.NewCounter(),
		Aggregator:   aggregator,
		AdminAuth:    &router.AdminAuth{HeaderName: "x-admin-token", Tokens: []string{"secret-token"}},
		MaxBodySize:  gateCfg.MaxBodySize,
		StartTime:    time.Now(),
	})
}

func TestServer_HappyPathForwardsAndRecordsStats(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 4, QueueSize: 4, MaxBodySize: 1 << 20})

	body := `{"model":"claude-sonnet-4-5","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	statsW := httptest.NewRecorder()
	h.ServeHTTP(statsW, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var got struct {
		Totals struct {
			TotalRequests int64 `json:"totalRequests"`
		} `json:"totals"`
	}
	if err := json.NewDecoder(statsW.Body).Decode(&got); err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if got.Totals.TotalRequests != 1 {
		t.Fatalf("totals.totalRequests = %d, want 1", got.Totals.TotalRequests)
	}
}

func TestServer_OversizedBodyRejectedWithoutUpstreamCall(t *testing.T) {
	t.Parallel()

	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 4, QueueSize: 4, MaxBodySize: 100})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(strings.Repeat("x", 200)))
	req.ContentLength = 200
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if called {
		t.Fatal("upstream must not be called for an oversized body")
	}

	var errBody map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("response body not JSON: %v", err)
	}
	if errBody["code"] != "REQUEST_TOO_LARGE" {
		t.Fatalf("code = %v, want REQUEST_TOO_LARGE", errBody["code"])
	}
}

func TestServer_BackpressureReturns503WithRetryAfter(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	defer close(release)

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 1, QueueSize: 0, MaxBodySize: 1 << 20})

	// Occupy the only slot with a request that blocks on `release`.
	done := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond) // let the first request occupy the slot

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (queueSize=0, no room)", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on backpressure rejection")
	}

	release <- struct{}{}
	<-done
}

func TestServer_AdminEndpointRequiresToken(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 4, QueueSize: 4, MaxBodySize: 1 << 20})

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/reload", nil)
	req2.Header.Set("x-admin-token", "secret-token")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	if w2.Code == http.StatusUnauthorized {
		t.Fatal("valid admin token should not be rejected")
	}
}

func TestServer_UnknownMethodReturns405WithAllowHeader(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 4, QueueSize: 4, MaxBodySize: 1 << 20})

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if w.Header().Get("Allow") == "" {
		t.Fatal("expected Allow header on 405")
	}
}

func TestServer_HealthReportsTotalAndHealthyKeys(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestServer(t, upstream, admission.Config{MaxTotalConcurrency: 4, QueueSize: 4, MaxBodySize: 1 << 20})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["totalKeys"].(float64) != 1 {
		t.Fatalf("totalKeys = %v, want 1", body["totalKeys"])
	}
}
