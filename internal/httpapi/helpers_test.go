package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nexahse.org/internal/auth"
	"nexahse.org/internal/credstore"
	"nexahse.org/internal/stream"
)

// memStore is a minimal in-memory auth.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]*auth.Profile
	sessions map[string]*auth.SessionRecord
}

func newMemStore() *memStore {
	return &memStore{
		profiles: make(map[string]*auth.Profile),
		sessions: make(map[string]*auth.SessionRecord),
	}
}

func (s *memStore) Profiles(context.Context) auth.ProfileStore { return (*memProfiles)(s) }
func (s *memStore) Roles(context.Context) auth.RoleStore       { return (*memRoles)(s) }
func (s *memStore) Sessions(context.Context) auth.SessionStore { return (*memSessions)(s) }

type memProfiles memStore

func (s *memProfiles) FindWithRole(ctx context.Context, id string) (*auth.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *p
	return &out, nil
}

type memRoles memStore

func (s *memRoles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return nil, auth.ErrNotFound
}

func (s *memRoles) List(ctx context.Context) ([]*auth.Role, error) { return nil, nil }

type memSessions memStore

func (s *memSessions) Upsert(ctx context.Context, rec *auth.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[rec.UserID] = &cp
	return nil
}

func (s *memSessions) Find(ctx context.Context, userID string) (*auth.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memSessions) Touch(ctx context.Context, userID string) error { return nil }

func (s *memSessions) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

type testEnv struct {
	api      *API
	registry *auth.Registry
	creds    *credstore.LocalProvider
	store    *memStore
	events   *stream.Stream
}

// newTestEnv builds an API over an in-memory credential store with two
// registered users: "ana@nexahse.org" / "correct horse" (Supervisor, includes
// configuracion:ver) and "omar@nexahse.org" / "battery staple" (Operador, no
// configuracion access).
func newTestEnv(t *testing.T, opts ...APIOption) *testEnv {
	t.Helper()

	creds, err := credstore.NewLocalProvider("test-secret", "nexahse-test")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	if err := creds.Register("ana@nexahse.org", "correct horse", credstore.Identity{ID: "u1", Name: "Ana"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := creds.Register("omar@nexahse.org", "battery staple", credstore.Identity{ID: "u2", Name: "Omar"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	store := newMemStore()
	store.profiles["u1"] = &auth.Profile{
		ID:       "u1",
		FullName: "Ana Diaz",
		Status:   auth.StatusActive,
		RoleName: "Supervisor",
		Role: &auth.Role{
			ID:   "r1",
			Name: "Supervisor",
			Permissions: []string{
				"seguridad:ver", "asistencia:ver", "configuracion:ver",
			},
		},
	}
	store.profiles["u2"] = &auth.Profile{
		ID:       "u2",
		FullName: "Omar Paz",
		Status:   auth.StatusActive,
		RoleName: "Operador",
		Role: &auth.Role{
			ID:          "r2",
			Name:        "Operador",
			Permissions: []string{"seguridad:ver"},
		},
	}

	events := stream.New()
	registry := auth.NewRegistry(creds, store,
		auth.WithManagerOptions(
			auth.WithGuardOptions(auth.WithPollInterval(time.Hour)),
		),
	)

	opts = append([]APIOption{WithStream(events)}, opts...)
	api := New(ReadyProbe{}, registry, "test", opts...)

	env := &testEnv{api: api, registry: registry, creds: creds, store: store, events: events}
	t.Cleanup(registry.Close)
	return env
}

// signIn authenticates ana and returns the access token subsequent requests
// must present.
func (e *testEnv) signIn(t *testing.T) string {
	t.Helper()
	token, _, err := e.registry.Login(context.Background(), auth.LoginInput{
		Email:    "ana@nexahse.org",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return token
}

func (e *testEnv) signInOmar(t *testing.T) string {
	t.Helper()
	token, _, err := e.registry.Login(context.Background(), auth.LoginInput{
		Email:    "omar@nexahse.org",
		Password: "battery staple",
	})
	if err != nil {
		t.Fatalf("sign in omar: %v", err)
	}
	return token
}

func authedRequest(method, target, token string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}
