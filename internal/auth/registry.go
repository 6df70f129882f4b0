package auth

import (
	"context"
	"sync"

	"nexahse.org/internal/credstore"
)

// TokenStoreFactory yields the token store backing one device's session claim.
type TokenStoreFactory func(deviceID string) TokenStore

// Registry owns one lifecycle Manager per authenticated device. The access
// token issued at sign-in is the per-request credential: resolving it yields
// that device's manager and nothing else, so no caller ever observes another
// device's identity or permissions.
type Registry struct {
	creds             credstore.Provider
	store             Store
	tokens            TokenStoreFactory
	managerOpts       []ManagerOption
	authorizeRedirect string

	mu       sync.Mutex
	sessions map[string]*deviceSession // access token -> device session
	byDevice map[string]string         // device id -> access token
}

type deviceSession struct {
	manager  *Manager
	cancel   context.CancelFunc
	deviceID string
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithTokenStores overrides the per-device token store factory. The default
// keeps tokens in memory for the lifetime of the device session.
func WithTokenStores(factory TokenStoreFactory) RegistryOption {
	return func(r *Registry) {
		if factory != nil {
			r.tokens = factory
		}
	}
}

// WithManagerOptions forwards options to every manager the registry builds.
func WithManagerOptions(opts ...ManagerOption) RegistryOption {
	return func(r *Registry) {
		r.managerOpts = append(r.managerOpts, opts...)
	}
}

// WithAuthorizeRedirect sets the OAuth redirect target.
func WithAuthorizeRedirect(url string) RegistryOption {
	return func(r *Registry) { r.authorizeRedirect = url }
}

// NewRegistry constructs a registry over the shared credential store and
// application store.
func NewRegistry(creds credstore.Provider, store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		creds:    creds,
		store:    store,
		tokens:   func(string) TokenStore { return NewMemoryTokenStore() },
		sessions: make(map[string]*deviceSession),
		byDevice: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoginInput carries the credentials plus the calling device's traits. An
// empty DeviceID starts a fresh device; repeating one replaces that device's
// previous session.
type LoginInput struct {
	Email      string
	Password   string
	DeviceID   string
	RemoteAddr string
	UserAgent  string
}

// Login exchanges credentials for a session, starts the device's manager and
// returns the access token callers must present on subsequent requests. An
// identity whose profile forbids entry is signed back out and reported as
// ErrUnauthorized.
func (r *Registry) Login(ctx context.Context, in LoginInput) (string, *Manager, error) {
	sess, err := r.creds.SignInWithPassword(ctx, in.Email, in.Password)
	if err != nil {
		return "", nil, err
	}

	deviceID := in.DeviceID
	if deviceID == "" {
		deviceID = NewDeviceToken()
	}

	opts := append([]ManagerOption{}, r.managerOpts...)
	var guardOpts []GuardOption
	if in.RemoteAddr != "" {
		addr := in.RemoteAddr
		guardOpts = append(guardOpts, WithAddrLookup(func(context.Context) string { return addr }))
	}
	if in.UserAgent != "" {
		guardOpts = append(guardOpts, WithUserAgent(in.UserAgent))
	}
	if len(guardOpts) > 0 {
		opts = append(opts, WithGuardOptions(guardOpts...))
	}

	mgr := NewManager(credstore.Bind(r.creds, sess), r.store, r.tokens(deviceID), opts...)

	// The device session outlives the login request.
	sctx, cancel := context.WithCancel(context.Background())
	mgr.Start(sctx)
	if mgr.State() != StateAuthenticated {
		cancel()
		mgr.Stop()
		return "", nil, ErrUnauthorized
	}

	r.mu.Lock()
	if prevToken, ok := r.byDevice[deviceID]; ok {
		if prev := r.sessions[prevToken]; prev != nil {
			prev.cancel()
			prev.manager.Stop()
		}
		delete(r.sessions, prevToken)
	}
	r.sessions[sess.AccessToken] = &deviceSession{manager: mgr, cancel: cancel, deviceID: deviceID}
	r.byDevice[deviceID] = sess.AccessToken
	r.mu.Unlock()

	return sess.AccessToken, mgr, nil
}

// Resolve maps a presented access token to its device's manager. Managers
// whose session has ended (takeover, inactivity, deactivation) are pruned on
// sight so the token stops authenticating the moment the lifecycle does.
func (r *Registry) Resolve(token string) *Manager {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	ds := r.sessions[token]
	r.mu.Unlock()
	if ds == nil {
		return nil
	}
	if ds.manager.State() == StateUnauthenticated {
		r.remove(token)
		return nil
	}
	return ds.manager
}

// Attach registers an externally established session, e.g. an OAuth callback
// exchange completed out of band.
func (r *Registry) Attach(token string, mgr *Manager) {
	if token == "" || mgr == nil {
		return
	}
	r.mu.Lock()
	r.sessions[token] = &deviceSession{manager: mgr, cancel: func() {}}
	r.mu.Unlock()
}

// Logout signs the device out and drops its entry.
func (r *Registry) Logout(ctx context.Context, token string) {
	r.mu.Lock()
	ds := r.sessions[token]
	r.mu.Unlock()
	if ds == nil {
		return
	}
	ds.manager.SignOut(ctx)
	r.remove(token)
}

// AuthorizeURL returns the OAuth authorize URL for the configured redirect.
func (r *Registry) AuthorizeURL(ctx context.Context) (string, error) {
	return r.creds.SignInWithOAuth(ctx, "google", r.authorizeRedirect)
}

// Count reports live device sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears every device session down without signing it out: device tokens
// survive for the next process start.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*deviceSession)
	r.byDevice = make(map[string]string)
	r.mu.Unlock()
	for _, ds := range sessions {
		ds.cancel()
		ds.manager.Stop()
	}
}

func (r *Registry) remove(token string) {
	r.mu.Lock()
	ds := r.sessions[token]
	if ds != nil {
		delete(r.sessions, token)
		if ds.deviceID != "" && r.byDevice[ds.deviceID] == token {
			delete(r.byDevice, ds.deviceID)
		}
	}
	r.mu.Unlock()
	if ds != nil {
		ds.cancel()
		ds.manager.Stop()
	}
}
