// Package credstore is the port to the hosted identity service. It owns
// identities and issues sessions; everything else in the application treats it
// as an external collaborator reachable only through the Provider interface.
package credstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event mirrors the auth-state change events emitted by the hosted service.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

var (
	ErrInvalidCredentials = errors.New("credstore: invalid credentials")
	ErrNoSession          = errors.New("credstore: no active session")
	ErrUnsupported        = errors.New("credstore: operation not supported")
)

// Identity is the credential-store view of a user. Read-only to this system.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Session is an issued credential-store session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
}

// UserUpdate mutates the identity record behind the current session.
type UserUpdate struct {
	Password *string
	Data     map[string]any
}

// AuthChange is delivered on every auth-state transition.
type AuthChange struct {
	Event   Event
	Session *Session
}

// Provider is the required shape of the credential store.
type Provider interface {
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignInWithOAuth returns the authorize URL the browser must be sent to.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	SignOut(ctx context.Context) error
	UpdateUser(ctx context.Context, upd UserUpdate) error
	// AuthChanges delivers auth-state events until ctx ends.
	AuthChanges(ctx context.Context) <-chan AuthChange
}

// broadcaster fan-outs auth changes to all subscribers. Slow subscribers drop
// events instead of blocking the publisher.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan AuthChange
	next int
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan AuthChange {
	ch := make(chan AuthChange, 8)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan AuthChange)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *broadcaster) publish(change AuthChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
