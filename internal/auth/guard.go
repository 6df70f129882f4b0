package auth

import (
	"context"
	"time"

	"nexahse.org/internal/obs"
	"nexahse.org/internal/stream"
)

const (
	defaultPollInterval = 30 * time.Second

	// UnknownAddress is the sentinel recorded when address resolution fails.
	UnknownAddress = "Unknown"
)

// AddrLookup resolves this device's public network address. Implementations
// must degrade to UnknownAddress instead of failing: the address is advisory
// and never an authorization input.
type AddrLookup func(ctx context.Context) string

// Guard enforces the single-active-session policy: the most recently
// authenticated device for an identity stays usable, all others self-evict.
// Takeover is detected by comparing the server row's token against this
// device's token; push notifications and a poll ticker feed the same decision
// function, so either mechanism alone suffices.
type Guard struct {
	store     Store
	tokens    TokenStore
	signOut   func(context.Context)
	lookup    AddrLookup
	events    *stream.Stream
	userAgent string
	poll      time.Duration
	now       func() time.Time
}

// GuardOption configures Guard behavior.
type GuardOption func(*Guard)

// WithAddrLookup sets the best-effort public address resolver.
func WithAddrLookup(fn AddrLookup) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.lookup = fn
		}
	}
}

// WithEvents subscribes the guard to push notifications of session changes.
func WithEvents(s *stream.Stream) GuardOption {
	return func(g *Guard) { g.events = s }
}

// WithPollInterval overrides the reconciliation poll period.
func WithPollInterval(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.poll = d
		}
	}
}

// WithUserAgent sets the user-agent recorded on the session row.
func WithUserAgent(ua string) GuardOption {
	return func(g *Guard) {
		if ua != "" {
			g.userAgent = ua
		}
	}
}

// WithGuardClock overrides the time source.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard constructs a guard. signOut is invoked when a takeover is
// detected; it must terminate this device's local state.
func NewGuard(store Store, tokens TokenStore, signOut func(context.Context), opts ...GuardOption) *Guard {
	g := &Guard{
		store:     store,
		tokens:    tokens,
		signOut:   signOut,
		lookup:    func(context.Context) string { return UnknownAddress },
		userAgent: "nexahse-api",
		poll:      defaultPollInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Activate installs this device as the one true session for identityID and
// starts watching for displacement until ctx ends. The returned token is this
// device's claim. Upsert failure is logged, never fatal: eviction is only
// ever triggered by observing a different token, not by our own write
// failing.
func (g *Guard) Activate(ctx context.Context, identityID string) (string, error) {
	if identityID == "" {
		return "", ErrNoIdentity
	}

	token, err := g.tokens.Load()
	if err != nil {
		obs.Log("warn", "device token load failed", map[string]any{"error": err.Error()})
	}
	if token == "" {
		token = NewDeviceToken()
		if err := g.tokens.Save(token); err != nil {
			obs.Log("warn", "device token save failed", map[string]any{"error": err.Error()})
		}
	}

	addr := g.lookup(ctx)
	if addr == "" {
		addr = UnknownAddress
	}

	rec := &SessionRecord{
		UserID:       identityID,
		SessionToken: token,
		IPAddress:    addr,
		UserAgent:    g.userAgent,
		LastSeen:     g.now().UTC(),
	}
	if err := g.store.Sessions(ctx).Upsert(ctx, rec); err != nil {
		obs.Log("error", "session upsert failed", map[string]any{
			"identity_id": identityID,
			"error":       err.Error(),
		})
	}

	var ch <-chan stream.SessionEvent
	if g.events != nil {
		ch = g.events.Subscribe(ctx)
	}

	// Out-of-band read after subscribing: closes the race where a takeover
	// landed between our upsert and the subscription going live.
	if current, err := g.store.Sessions(ctx).Find(ctx, identityID); err == nil {
		if takeoverDetected(current.SessionToken, token) {
			g.evict(ctx, identityID)
			return token, nil
		}
	}

	go g.watch(ctx, identityID, token, ch)
	return token, nil
}

// ClearToken drops the device token. Called on explicit sign-out only, never
// on mere teardown.
func (g *Guard) ClearToken() error {
	return g.tokens.Clear()
}

func (g *Guard) watch(ctx context.Context, identityID, token string, ch <-chan stream.SessionEvent) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-ch:
			if !ok {
				// Subscription closed; the poll ticker keeps covering.
				ch = nil
				continue
			}
			if evt.UserID != identityID {
				continue
			}
			if evt.Op == stream.OpDelete {
				continue
			}
			if takeoverDetected(evt.SessionToken, token) {
				g.evict(ctx, identityID)
				return
			}

		case <-ticker.C:
			current, err := g.store.Sessions(ctx).Find(ctx, identityID)
			if err != nil {
				// Transient; do not evict on our own read failing.
				continue
			}
			if takeoverDetected(current.SessionToken, token) {
				g.evict(ctx, identityID)
				return
			}
			if err := g.store.Sessions(ctx).Touch(ctx, identityID); err != nil {
				obs.Log("warn", "session touch failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (g *Guard) evict(ctx context.Context, identityID string) {
	obs.RecordTakeover()
	obs.Log("warn", "concurrent session detected, signing out", map[string]any{
		"identity_id": identityID,
	})
	g.signOut(ctx)
}

// takeoverDetected is the single decision function both reconciliation
// triggers feed: a non-empty row token different from ours means another
// device has taken over.
func takeoverDetected(rowToken, deviceToken string) bool {
	return rowToken != "" && rowToken != deviceToken
}
