package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nexahse.org/internal/auth"
	"nexahse.org/internal/credstore"
)

func TestRouteGuardRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	h := env.api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRouteGuardRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	h := env.api.Handler()

	req := authedRequest(http.MethodGet, "/v1/auth/me", "not-a-real-token", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

// A sign-in by one caller must not leak to requests that carry no credential:
// each device session is keyed by its own issued token.
func TestAnonymousCallerDoesNotInheritSession(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)
	h := env.api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.RemoteAddr = "203.0.113.9:4411"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rr.Code, rr.Body.String())
	}
}

func TestRouteGuardPublicPathsPass(t *testing.T) {
	env := newTestEnv(t)
	h := env.api.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, rr.Code)
		}
	}
}

func TestRouteGuardAuthenticatedPasses(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t)
	h := env.api.Handler()

	req := authedRequest(http.MethodGet, "/v1/auth/me", token, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Identity *credstore.Identity `json:"identity"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Identity == nil || body.Identity.ID != "u1" {
		t.Fatalf("identity = %+v, want u1", body.Identity)
	}
}

// Two signed-in devices must each see their own identity for the same path.
func TestTokensResolveToTheirOwnSessions(t *testing.T) {
	env := newTestEnv(t)
	anaToken := env.signIn(t)
	omarToken := env.signInOmar(t)
	h := env.api.Handler()

	for token, wantID := range map[string]string{anaToken: "u1", omarToken: "u2"} {
		req := authedRequest(http.MethodGet, "/v1/auth/me", token, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Identity *credstore.Identity `json:"identity"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Identity == nil || body.Identity.ID != wantID {
			t.Fatalf("identity = %+v, want %s", body.Identity, wantID)
		}
	}
}

func TestRouteGuardOptionsBypasses(t *testing.T) {
	env := newTestEnv(t)
	h := env.api.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/me", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rr.Code)
	}
}

// stalledProvider blocks the initial session lookup until released.
type stalledProvider struct {
	credstore.Provider
	release chan struct{}
}

func (p *stalledProvider) GetSession(ctx context.Context) (*credstore.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
	}
	return p.Provider.GetSession(ctx)
}

func TestRouteGuardLoadingAnswersNeutrally(t *testing.T) {
	env := newTestEnv(t)

	creds, err := credstore.NewLocalProvider("test-secret", "nexahse-test")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	stalled := &stalledProvider{Provider: creds, release: make(chan struct{})}
	manager := auth.NewManager(stalled, newMemStore(), auth.NewMemoryTokenStore(),
		auth.WithBootstrapCeiling(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Start(ctx)
	defer manager.Stop()
	defer close(stalled.release)

	// Wait for the bootstrap to enter the loading state.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !manager.IsLoading() {
		time.Sleep(5 * time.Millisecond)
	}

	env.registry.Attach("tok-resolving", manager)

	req := authedRequest(http.MethodGet, "/v1/auth/me", "tok-resolving", nil)
	rr := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("loading response must carry Retry-After")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"  Bearer   abc123  ", "abc123", false},
		{"", "", true},
		{"Basic abc123", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: want error, got %q", tc.header, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("header %q: token = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	if !isPublicPath("/v1/auth/login") {
		t.Fatal("login must be public")
	}
	if isPublicPath("/v1/auth/me") {
		t.Fatal("me must be protected")
	}
	if isPublicPath("/v1/sessions/active") {
		t.Fatal("sessions must be protected")
	}
}
