package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexahse.org/internal/credstore"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *fakeStore) {
	t.Helper()
	creds := newTestProvider(t)
	store := newFakeStore()
	store.setProfile(activeProfile("u1", "Supervisor", []string{"seguridad:ver"}, false))
	r := NewRegistry(creds, store, opts...)
	t.Cleanup(r.Close)
	return r, store
}

func TestRegistryLoginIssuesToken(t *testing.T) {
	r, store := newTestRegistry(t)

	token, mgr, err := r.Login(context.Background(), LoginInput{
		Email:      "ana@nexahse.org",
		Password:   "correct horse",
		RemoteAddr: "203.0.113.5",
		UserAgent:  "test-agent",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("login must return a token")
	}
	if mgr.State() != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", mgr.State())
	}
	if got := r.Resolve(token); got != mgr {
		t.Fatal("token must resolve to its own manager")
	}

	rec, err := store.Sessions(context.Background()).Find(context.Background(), "u1")
	if err != nil {
		t.Fatalf("session row: %v", err)
	}
	if rec.IPAddress != "203.0.113.5" || rec.UserAgent != "test-agent" {
		t.Fatalf("session row carries %q/%q", rec.IPAddress, rec.UserAgent)
	}
}

func TestRegistryLoginBadCredentials(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _, err := r.Login(context.Background(), LoginInput{Email: "ana@nexahse.org", Password: "wrong"})
	if !errors.Is(err, credstore.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if r.Count() != 0 {
		t.Fatal("failed login must not register a session")
	}
}

func TestRegistryLoginInactiveProfile(t *testing.T) {
	r, store := newTestRegistry(t)
	store.mu.Lock()
	store.profiles["u1"].Status = StatusInactive
	store.mu.Unlock()

	_, _, err := r.Login(context.Background(), LoginInput{Email: "ana@nexahse.org", Password: "correct horse"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if r.Count() != 0 {
		t.Fatal("denied login must not register a session")
	}
}

func TestRegistryResolveUnknownToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	if r.Resolve("nope") != nil {
		t.Fatal("unknown token must not resolve")
	}
	if r.Resolve("") != nil {
		t.Fatal("empty token must not resolve")
	}
}

func TestRegistryLogoutInvalidatesToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, _, err := r.Login(context.Background(), LoginInput{Email: "ana@nexahse.org", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	r.Logout(context.Background(), token)

	if r.Resolve(token) != nil {
		t.Fatal("token must stop resolving after logout")
	}
	if r.Count() != 0 {
		t.Fatal("logout must drop the session entry")
	}
}

// A second device signing in for the same identity displaces the first: the
// guard observes the new token on the session row and signs the old device
// out, after which its access token stops authenticating.
func TestRegistrySecondDeviceDisplacesFirst(t *testing.T) {
	r, _ := newTestRegistry(t, WithManagerOptions(
		WithGuardOptions(WithPollInterval(20 * time.Millisecond)),
	))

	first, firstMgr, err := r.Login(context.Background(), LoginInput{
		Email: "ana@nexahse.org", Password: "correct horse", DeviceID: "laptop",
	})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	second, _, err := r.Login(context.Background(), LoginInput{
		Email: "ana@nexahse.org", Password: "correct horse", DeviceID: "phone",
	})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && firstMgr.State() == StateAuthenticated {
		time.Sleep(5 * time.Millisecond)
	}
	if firstMgr.State() != StateUnauthenticated {
		t.Fatal("first device must be signed out after takeover")
	}
	if r.Resolve(first) != nil {
		t.Fatal("displaced device's token must stop resolving")
	}
	if r.Resolve(second) == nil {
		t.Fatal("new device's token must keep resolving")
	}
}

// Re-login from the same device replaces its previous session entry instead
// of accumulating one per attempt.
func TestRegistrySameDeviceReplacesSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, _, err := r.Login(context.Background(), LoginInput{
		Email: "ana@nexahse.org", Password: "correct horse", DeviceID: "laptop",
	})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, _, err := r.Login(context.Background(), LoginInput{
		Email: "ana@nexahse.org", Password: "correct horse", DeviceID: "laptop",
	})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if r.Count() != 1 {
		t.Fatalf("sessions = %d, want 1", r.Count())
	}
	if r.Resolve(first) != nil {
		t.Fatal("stale token must stop resolving")
	}
	if r.Resolve(second) == nil {
		t.Fatal("fresh token must resolve")
	}
}

func TestRegistryAttach(t *testing.T) {
	r, store := newTestRegistry(t)

	creds := newTestProvider(t)
	mgr := NewManager(creds, store, NewMemoryTokenStore())
	r.Attach("out-of-band", mgr)

	if r.Count() != 1 {
		t.Fatalf("sessions = %d, want 1", r.Count())
	}
	// An unauthenticated manager is pruned on first resolve.
	if r.Resolve("out-of-band") != nil {
		t.Fatal("unauthenticated manager must not resolve")
	}
	if r.Count() != 0 {
		t.Fatal("pruned session must be dropped")
	}
}
