package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"nexahse.org/internal/credstore"
	"nexahse.org/internal/obs"
)

const defaultBootstrapCeiling = 12 * time.Second

// State is the route-authorization view of the lifecycle.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// SignOutReason labels what triggered a sign-out.
type SignOutReason string

const (
	SignOutExplicit    SignOutReason = "explicit"
	SignOutInactivity  SignOutReason = "inactivity"
	SignOutTakeover    SignOutReason = "takeover"
	SignOutDeactivated SignOutReason = "deactivated"
)

// Manager owns the session lifecycle for one device: credential-store
// bootstrap and events, profile resolution, single-session guarding and the
// inactivity window. It is the only writer of the lifecycle state.
type Manager struct {
	creds    credstore.Provider
	resolver *Resolver
	guard    *Guard
	gate     *Gate

	idleWindow    time.Duration
	ceiling       time.Duration
	oauthRedirect string

	// bindMu serializes profile resolution so a realtime auth event can
	// never race ahead of the in-flight initial resolution.
	bindMu sync.Mutex

	mu            sync.RWMutex
	loading       bool
	identity      *credstore.Identity
	profile       *Profile
	idle          *IdleMonitor
	sessionCancel context.CancelFunc
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	ceiling       time.Duration
	idleWindow    time.Duration
	oauthRedirect string
	resolverOpts  []ResolverOption
	guardOpts     []GuardOption
}

// WithBootstrapCeiling caps how long the initial bootstrap may keep the
// lifecycle in the loading state. The wait is cancelled, not the underlying
// request: a late result still lands.
func WithBootstrapCeiling(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.ceiling = d
		}
	}
}

// WithIdleWindow overrides the inactivity window.
func WithIdleWindow(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.idleWindow = d
		}
	}
}

// WithOAuthRedirect sets the redirect target passed to OAuth sign-in.
func WithOAuthRedirect(url string) ManagerOption {
	return func(c *managerConfig) { c.oauthRedirect = url }
}

// WithResolverOptions forwards options to the embedded profile resolver.
func WithResolverOptions(opts ...ResolverOption) ManagerOption {
	return func(c *managerConfig) { c.resolverOpts = append(c.resolverOpts, opts...) }
}

// WithGuardOptions forwards options to the embedded session guard.
func WithGuardOptions(opts ...GuardOption) ManagerOption {
	return func(c *managerConfig) { c.guardOpts = append(c.guardOpts, opts...) }
}

// NewManager wires a lifecycle manager over the credential store, the
// application store and this device's token store.
func NewManager(creds credstore.Provider, store Store, tokens TokenStore, opts ...ManagerOption) *Manager {
	cfg := &managerConfig{
		ceiling:    defaultBootstrapCeiling,
		idleWindow: DefaultIdleWindow,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &Manager{
		creds:         creds,
		idleWindow:    cfg.idleWindow,
		ceiling:       cfg.ceiling,
		oauthRedirect: cfg.oauthRedirect,
	}
	m.gate = NewGate(m.Profile)

	resolverOpts := append([]ResolverOption{
		WithDeactivationHandler(func(ctx context.Context) {
			m.signOutWith(ctx, SignOutDeactivated)
		}),
	}, cfg.resolverOpts...)
	m.resolver = NewResolver(store, resolverOpts...)

	m.guard = NewGuard(store, tokens, func(ctx context.Context) {
		m.signOutWith(ctx, SignOutTakeover)
	}, cfg.guardOpts...)

	return m
}

// Start performs the initial bootstrap and begins consuming auth-state
// events. It blocks until the initial resolution completes or is abandoned by
// the ceiling; the event consumer keeps running until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.loading = true
	m.mu.Unlock()

	ceilingTimer := time.AfterFunc(m.ceiling, func() {
		m.mu.Lock()
		stillLoading := m.loading
		m.loading = false
		m.mu.Unlock()
		if stillLoading {
			obs.Log("warn", "auth bootstrap timed out, forcing completion", nil)
		}
	})

	go m.consumeAuthChanges(ctx)

	sess, err := m.creds.GetSession(ctx)
	if err != nil {
		obs.Log("error", "initial session lookup failed", map[string]any{"error": err.Error()})
	}
	if sess != nil {
		m.bind(ctx, sess.Identity)
	}

	ceilingTimer.Stop()
	m.mu.Lock()
	m.loading = false
	m.mu.Unlock()
}

// Stop tears the session machinery down without signing out: the device token
// survives for the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.sessionCancel
	idle := m.idle
	m.sessionCancel = nil
	m.idle = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if idle != nil {
		idle.Stop()
	}
}

// SignInWithPassword authenticates against the credential store and binds the
// resulting identity.
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) error {
	sess, err := m.creds.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}
	m.bind(ctx, sess.Identity)
	// An Inactivo profile signs the session back out during bind.
	if m.State() != StateAuthenticated {
		return ErrUnauthorized
	}
	return nil
}

// SignInWithGoogle returns the authorize URL the client must be redirected to.
func (m *Manager) SignInWithGoogle(ctx context.Context) (string, error) {
	return m.creds.SignInWithOAuth(ctx, "google", m.oauthRedirect)
}

// SignOut terminates the session explicitly.
func (m *Manager) SignOut(ctx context.Context) {
	m.signOutWith(ctx, SignOutExplicit)
}

// RefreshProfile re-resolves the profile for the bound identity; no-op when
// none is bound. A transient failure keeps the previously established
// profile.
func (m *Manager) RefreshProfile(ctx context.Context) error {
	m.mu.RLock()
	identity := m.identity
	m.mu.RUnlock()
	if identity == nil {
		return nil
	}
	return m.resolve(ctx, identity.ID)
}

// Activity registers a tracked user input, resetting the inactivity window.
// It reports whether the event was accepted.
func (m *Manager) Activity(class ActivityClass) bool {
	m.mu.RLock()
	idle := m.idle
	m.mu.RUnlock()
	if idle == nil {
		return false
	}
	return idle.Touch(class)
}

// UpdatePassword passes a password change through to the credential store.
func (m *Manager) UpdatePassword(ctx context.Context, newPassword string) error {
	return m.creds.UpdateUser(ctx, credstore.UserUpdate{Password: &newPassword})
}

// State reports the route-authorization state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loading {
		return StateLoading
	}
	if m.identity != nil {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

// IsLoading reports whether the initial bootstrap is still pending.
func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// Identity returns the bound identity, nil when unauthenticated.
func (m *Manager) Identity() *credstore.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

// Profile returns the resolved profile, nil when absent. Profile absence does
// not imply unauthenticated: permission checks degrade to default-deny
// instead of locking the route.
func (m *Manager) Profile() *Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// Gate exposes the permission gate bound to the current profile.
func (m *Manager) Gate() *Gate {
	return m.gate
}

// bind installs the identity, resolves its profile and (re)activates the
// session machinery.
func (m *Manager) bind(ctx context.Context, identity credstore.Identity) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	already := m.identity != nil && m.identity.ID == identity.ID
	m.identity = &identity
	m.mu.Unlock()

	if err := m.resolve(ctx, identity.ID); errors.Is(err, ErrProfileInactive) {
		return
	}

	// Still bound? The resolver may have signed us out mid-flight.
	m.mu.RLock()
	bound := m.identity != nil && m.identity.ID == identity.ID
	m.mu.RUnlock()
	if !bound {
		return
	}

	m.activateSession(ctx, identity.ID)
	if !already {
		obs.SessionOpened()
	}
}

// resolve fetches the profile and applies the retention rule: transient
// errors never evict an already established profile.
func (m *Manager) resolve(ctx context.Context, identityID string) error {
	profile, err := m.resolver.Fetch(ctx, identityID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()
	return nil
}

func (m *Manager) activateSession(ctx context.Context, identityID string) {
	m.mu.Lock()
	if m.sessionCancel != nil {
		m.sessionCancel()
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	sctx, cancel := context.WithCancel(ctx)
	m.sessionCancel = cancel
	idle := NewIdleMonitor(m.idleWindow, func() {
		m.signOutWith(context.Background(), SignOutInactivity)
	})
	m.idle = idle
	m.mu.Unlock()

	idle.Arm()
	if _, err := m.guard.Activate(sctx, identityID); err != nil {
		obs.Log("error", "session guard activation failed", map[string]any{
			"identity_id": identityID,
			"error":       err.Error(),
		})
	}
}

// signOutWith is the single sign-out path shared by the explicit action and
// every forced trigger. Local state is cleared even when the remote call
// fails.
func (m *Manager) signOutWith(ctx context.Context, reason SignOutReason) {
	if err := m.creds.SignOut(ctx); err != nil {
		obs.Log("warn", "credential store sign-out failed", map[string]any{"error": err.Error()})
	}
	m.clearLocal()
	if err := m.guard.ClearToken(); err != nil {
		obs.Log("warn", "device token clear failed", map[string]any{"error": err.Error()})
	}
	obs.RecordSignOut(string(reason))
	obs.Log("info", "signed out", map[string]any{"reason": string(reason)})
}

func (m *Manager) clearLocal() {
	m.mu.Lock()
	wasAuthenticated := m.identity != nil
	m.identity = nil
	m.profile = nil
	m.loading = false
	cancel := m.sessionCancel
	idle := m.idle
	m.sessionCancel = nil
	m.idle = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if idle != nil {
		idle.Stop()
	}
	if wasAuthenticated {
		obs.SessionClosed()
	}
}

func (m *Manager) consumeAuthChanges(ctx context.Context) {
	for change := range m.creds.AuthChanges(ctx) {
		switch change.Event {
		case credstore.EventInitialSession:
			// The initial load is handled explicitly in Start.
			continue
		case credstore.EventSignedIn, credstore.EventTokenRefreshed:
			if change.Session != nil {
				m.bind(ctx, change.Session.Identity)
			}
			m.mu.Lock()
			m.loading = false
			m.mu.Unlock()
		case credstore.EventSignedOut:
			m.clearLocal()
		}
	}
}
