package auth

import (
	"context"
	"sync"
	"time"
)

// fakeStore is the in-memory Store shared by resolver, guard and lifecycle
// tests.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	sessions map[string]*SessionRecord

	profileErr error
	findErr    error
	upsertErr  error

	fetchDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]*Profile),
		sessions: make(map[string]*SessionRecord),
	}
}

func (s *fakeStore) Profiles(context.Context) ProfileStore { return (*fakeProfiles)(s) }
func (s *fakeStore) Roles(context.Context) RoleStore       { return (*fakeRoles)(s) }
func (s *fakeStore) Sessions(context.Context) SessionStore { return (*fakeSessions)(s) }

type fakeProfiles fakeStore

func (s *fakeProfiles) FindWithRole(ctx context.Context, id string) (*Profile, error) {
	if s.fetchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.fetchDelay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profileErr != nil {
		return nil, s.profileErr
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

type fakeRoles fakeStore

func (s *fakeRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Role != nil && p.Role.Name == name {
			out := *p.Role
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeRoles) List(ctx context.Context) ([]*Role, error) {
	return nil, nil
}

type fakeSessions fakeStore

func (s *fakeSessions) Upsert(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *rec
	s.sessions[rec.UserID] = &cp
	return nil
}

func (s *fakeSessions) Find(ctx context.Context, userID string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	rec, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeSessions) Touch(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[userID]; ok {
		rec.LastSeen = time.Now().UTC()
	}
	return nil
}

func (s *fakeSessions) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *fakeStore) setProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *fakeStore) setSessionToken(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = &SessionRecord{
		UserID:       userID,
		SessionToken: token,
		LastSeen:     time.Now().UTC(),
	}
}

func activeProfile(id, roleName string, perms []string, superuser bool) *Profile {
	return &Profile{
		ID:       id,
		FullName: "Test User",
		Status:   StatusActive,
		RoleName: roleName,
		Role: &Role{
			ID:          "role-" + roleName,
			Name:        roleName,
			Permissions: perms,
			Superuser:   superuser,
		},
	}
}
