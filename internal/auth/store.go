package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Profiles(ctx context.Context) ProfileStore
	Roles(ctx context.Context) RoleStore
	Sessions(ctx context.Context) SessionStore
}

// ProfileStore reads application profiles. Profiles are created by a
// provisioning trigger and edited by administrators; this subsystem only
// resolves them.
type ProfileStore interface {
	// FindWithRole returns the profile joined with its role by role_name.
	// The role pointer is nil when the named role does not exist.
	FindWithRole(ctx context.Context, id string) (*Profile, error)
}

// RoleStore reads the role catalog.
type RoleStore interface {
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

// SessionStore manages the single session row per identity.
type SessionStore interface {
	// Upsert installs the record as the one true session for its identity.
	Upsert(ctx context.Context, rec *SessionRecord) error
	Find(ctx context.Context, userID string) (*SessionRecord, error)
	// Touch refreshes last_seen without disturbing the token.
	Touch(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}
