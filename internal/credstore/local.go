package credstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const defaultSessionTTL = time.Hour

// LocalProvider is a self-contained credential store: bcrypt credentials and
// HS256 access tokens, everything in memory. It backs dev mode and is the
// provider that gets injected into lifecycle tests in place of the hosted
// service.
type LocalProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	users   map[string]localUser
	current *Session

	events broadcaster
}

type localUser struct {
	identity     Identity
	passwordHash string
}

// LocalOption configures LocalProvider behavior.
type LocalOption func(*LocalProvider)

// WithSessionTTL overrides the issued session lifetime.
func WithSessionTTL(ttl time.Duration) LocalOption {
	return func(p *LocalProvider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithLocalClock overrides the time source (useful for tests).
func WithLocalClock(fn func() time.Time) LocalOption {
	return func(p *LocalProvider) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewLocalProvider constructs a provider signing tokens with the given secret.
func NewLocalProvider(secret, issuer string, opts ...LocalOption) (*LocalProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("credstore: signing secret is required")
	}
	p := &LocalProvider{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    defaultSessionTTL,
		now:    time.Now,
		users:  make(map[string]localUser),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Register adds a user with a bcrypt-hashed password. The identity id is
// generated when empty.
func (p *LocalProvider) Register(email, password string, identity Identity) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("credstore: valid email is required")
	}
	if password == "" {
		return errors.New("credstore: password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	identity.Email = email

	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[email] = localUser{identity: identity, passwordHash: string(hash)}
	return nil
}

func (p *LocalProvider) GetSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	if p.now().After(p.current.ExpiresAt) {
		p.current = nil
		return nil, nil
	}
	sess := *p.current
	return &sess, nil
}

func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	p.mu.Lock()
	user, ok := p.users[email]
	p.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	sess, err := p.issue(user.identity)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()

	out := *sess
	p.events.publish(AuthChange{Event: EventSignedIn, Session: &out})
	return &out, nil
}

func (p *LocalProvider) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	return "", ErrUnsupported
}

func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.events.publish(AuthChange{Event: EventSignedOut})
	return nil
}

func (p *LocalProvider) UpdateUser(ctx context.Context, upd UserUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ErrNoSession
	}
	return p.applyUpdate(p.current.Identity.Email, upd)
}

// UpdateUserWithToken mutates the user the token was issued to, regardless of
// which session is current. The per-device session handles use this path.
func (p *LocalProvider) UpdateUserWithToken(ctx context.Context, accessToken string, upd UserUpdate) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	})
	if err != nil {
		return ErrNoSession
	}
	email, _ := claims["email"].(string)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyUpdate(email, upd)
}

// RevokeToken drops the current session when it carries the given token.
// Issued tokens stay verifiable until expiry; there is no revocation list in
// dev mode.
func (p *LocalProvider) RevokeToken(ctx context.Context, accessToken string) error {
	p.mu.Lock()
	if p.current != nil && p.current.AccessToken == accessToken {
		p.current = nil
	}
	p.mu.Unlock()
	return nil
}

// applyUpdate requires p.mu held.
func (p *LocalProvider) applyUpdate(email string, upd UserUpdate) error {
	user, ok := p.users[email]
	if !ok {
		return ErrNoSession
	}
	if upd.Password != nil {
		pw := strings.TrimSpace(*upd.Password)
		if pw == "" {
			return errors.New("credstore: password is required")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		user.passwordHash = string(hash)
	}
	if name, ok := upd.Data["full_name"].(string); ok {
		user.identity.Name = name
	}
	p.users[email] = user
	return nil
}

func (p *LocalProvider) AuthChanges(ctx context.Context) <-chan AuthChange {
	return p.events.subscribe(ctx)
}

// RefreshCurrent reissues the active session and announces TOKEN_REFRESHED.
// The hosted service does this on its own schedule; dev mode triggers it
// manually.
func (p *LocalProvider) RefreshCurrent(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	identity := p.current.Identity
	p.mu.Unlock()

	sess, err := p.issue(identity)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()

	out := *sess
	p.events.publish(AuthChange{Event: EventTokenRefreshed, Session: &out})
	return nil
}

func (p *LocalProvider) issue(identity Identity) (*Session, error) {
	now := p.now().UTC()
	exp := now.Add(p.ttl)
	claims := jwt.MapClaims{
		"sub":   identity.ID,
		"email": identity.Email,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(exp),
		"jti":   uuid.NewString(),
	}
	if p.issuer != "" {
		claims["iss"] = p.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken: signed,
		ExpiresAt:   exp,
		Identity:    identity,
	}, nil
}
