package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestExactMatchDispatch(t *testing.T) {
	t.Parallel()
	rt := New(nil)
	rt.Handle("/health", []string{http.MethodGet}, false, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestNoPrefixMatch(t *testing.T) {
	t.Parallel()
	rt := New(nil)
	rt.Handle("/health", []string{http.MethodGet}, false, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health/sub", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestNoTrailingSlashRewrite(t *testing.T) {
	t.Parallel()
	rt := New(nil)
	rt.Handle("/health", []string{http.MethodGet}, false, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowedHasAllowHeader(t *testing.T) {
	t.Parallel()
	rt := New(nil)
	rt.Handle("/v1/messages", []string{http.MethodPost}, false, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "POST" {
		t.Errorf("Allow = %q, want POST", rec.Header().Get("Allow"))
	}
}

func TestAuthRequiredRejectsMissingToken(t *testing.T) {
	t.Parallel()
	auth := &AdminAuth{HeaderName: "X-Admin-Token", Tokens: []string{"secret"}}
	rt := New(auth)
	rt.Handle("/reload", []string{http.MethodPost}, true, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRequiredAcceptsValidToken(t *testing.T) {
	t.Parallel()
	auth := &AdminAuth{HeaderName: "X-Admin-Token", Tokens: []string{"secret"}}
	rt := New(auth)
	rt.Handle("/reload", []string{http.MethodPost}, true, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRequiredRejectsWrongToken(t *testing.T) {
	t.Parallel()
	auth := &AdminAuth{HeaderName: "X-Admin-Token", Tokens: []string{"secret"}}
	rt := New(auth)
	rt.Handle("/reload", []string{http.MethodPost}, true, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	t.Parallel()
	rt := New(nil)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMultipleTokensAllowList(t *testing.T) {
	t.Parallel()
	auth := &AdminAuth{HeaderName: "X-Admin-Token", Tokens: []string{"a", "b"}}
	rt := New(auth)
	rt.Handle("/reload", []string{http.MethodPost}, true, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	req.Header.Set("X-Admin-Token", "b")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
