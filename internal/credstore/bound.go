package credstore

import (
	"context"
	"sync"
	"time"
)

// TokenRevoker revokes one specific issued access token, independent of
// whichever session the provider considers current.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, accessToken string) error
}

// TokenUserUpdater mutates the identity behind one specific access token.
type TokenUserUpdater interface {
	UpdateUserWithToken(ctx context.Context, accessToken string, upd UserUpdate) error
}

// BoundSession pins one issued session to a device. The shared provider keeps
// serving credential exchanges for every device; each device's lifecycle
// manager drives its own bound handle, so signing one device out never
// disturbs another.
type BoundSession struct {
	parent Provider
	now    func() time.Time

	mu   sync.Mutex
	sess *Session

	events broadcaster
}

// BindOption configures BoundSession.
type BindOption func(*BoundSession)

// WithBoundClock overrides the time source (useful for tests).
func WithBoundClock(fn func() time.Time) BindOption {
	return func(b *BoundSession) {
		if fn != nil {
			b.now = fn
		}
	}
}

// Bind wraps an issued session in a per-device provider handle.
func Bind(parent Provider, sess *Session, opts ...BindOption) *BoundSession {
	b := &BoundSession{parent: parent, now: time.Now}
	if sess != nil {
		cp := *sess
		b.sess = &cp
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AccessToken returns the bound token, empty after sign-out.
func (b *BoundSession) AccessToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return ""
	}
	return b.sess.AccessToken
}

func (b *BoundSession) GetSession(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, nil
	}
	if !b.sess.ExpiresAt.IsZero() && b.now().After(b.sess.ExpiresAt) {
		b.sess = nil
		return nil, nil
	}
	cp := *b.sess
	return &cp, nil
}

// SignInWithPassword is rejected: the handle is already bound to a session.
func (b *BoundSession) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	return nil, ErrUnsupported
}

func (b *BoundSession) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	return b.parent.SignInWithOAuth(ctx, provider, redirectTo)
}

// SignOut clears the bound session, announces SIGNED_OUT, and revokes the
// token upstream when the parent supports per-token revocation. Local state is
// cleared regardless of the remote outcome.
func (b *BoundSession) SignOut(ctx context.Context) error {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.mu.Unlock()

	b.events.publish(AuthChange{Event: EventSignedOut})

	if sess == nil {
		return nil
	}
	if revoker, ok := b.parent.(TokenRevoker); ok {
		return revoker.RevokeToken(ctx, sess.AccessToken)
	}
	return nil
}

// UpdateUser targets the bound token when the parent can address it; the
// plain pass-through is the fallback for providers without per-token
// addressing.
func (b *BoundSession) UpdateUser(ctx context.Context, upd UserUpdate) error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if updater, ok := b.parent.(TokenUserUpdater); ok {
		return updater.UpdateUserWithToken(ctx, sess.AccessToken, upd)
	}
	return b.parent.UpdateUser(ctx, upd)
}

func (b *BoundSession) AuthChanges(ctx context.Context) <-chan AuthChange {
	return b.events.subscribe(ctx)
}
