// Package router implements the exact-match route table of spec §4.7:
// pathname dispatch with a method allow-list, an Allow header on 405, and
// constant-time admin-token gating for routes marked authRequired. New
// component -- spec §4.7 is explicit about exact-match-only dispatch and an
// Allow header, behaviour chi's prefix/param router doesn't expose this
// directly, so it is its own named component rather than a chi mount (see
// DESIGN.md for the dropped-chi rationale).
package router

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// Route is one entry in the route table.
type Route struct {
	Pathname     string
	Methods      []string
	AuthRequired bool
	Handler      http.HandlerFunc
}

// AdminAuth validates the admin-token header via constant-time comparison
// against a configured allow-list, per spec §4.7/§6.
type AdminAuth struct {
	HeaderName string
	Tokens     []string
}

// Check reports whether r carries a valid admin token.
func (a *AdminAuth) Check(r *http.Request) bool {
	if a == nil || len(a.Tokens) == 0 {
		return false
	}
	got := r.Header.Get(a.HeaderName)
	if got == "" {
		return false
	}
	for _, want := range a.Tokens {
		if len(got) == len(want) && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

// Router dispatches by exact pathname match only -- no prefix matching, no
// trailing-slash rewriting, per spec §4.7.
type Router struct {
	routes map[string]*Route
	auth   *AdminAuth
}

// New creates a Router. auth may be nil if no route requires authentication
// (callers must enforce the spec's "mode=internet with no token configured
// is a hard start-up error" rule before constructing a Router this way).
func New(auth *AdminAuth) *Router {
	return &Router{routes: make(map[string]*Route), auth: auth}
}

// Handle registers a route. Calling Handle twice with the same pathname
// replaces the previous registration.
func (rt *Router) Handle(pathname string, methods []string, authRequired bool, handler http.HandlerFunc) {
	rt.routes[pathname] = &Route{Pathname: pathname, Methods: methods, AuthRequired: authRequired, Handler: handler}
}

// ServeHTTP implements http.Handler: exact path lookup, method allow-list
// check (405 + Allow), auth gate (401), then dispatch. The router does no
// body parsing.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := rt.routes[r.URL.Path]
	if !ok {
		writeError(w, r, http.StatusNotFound, core.ErrKindNotFound, "not found")
		return
	}

	if !methodAllowed(route.Methods, r.Method) {
		w.Header().Set("Allow", allowHeader(route.Methods))
		writeError(w, r, http.StatusMethodNotAllowed, core.ErrKindMethodNotAllowed, "method not allowed")
		return
	}

	if route.AuthRequired {
		if !rt.auth.Check(r) {
			writeError(w, r, http.StatusUnauthorized, core.ErrKindUnauthorized, "missing or invalid admin token")
			return
		}
		r = r.WithContext(core.ContextWithAdmin(r.Context(), true))
	}

	route.Handler(w, r)
}

func methodAllowed(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func allowHeader(methods []string) string {
	sorted := append([]string(nil), methods...)
	sort.Strings(sorted)
	out := ""
	for i, m := range sorted {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}

type errBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeError writes the proxy-generated error shape of spec §7:
// {error, code, requestId}. r may be nil in tests.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind core.ErrorKind, msg string) {
	var requestID string
	if r != nil {
		requestID = core.RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errBody{Error: msg, Code: string(kind), RequestID: requestID})
}
