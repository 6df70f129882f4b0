package auth

import (
	"context"
	"errors"
	"time"

	"nexahse.org/internal/obs"
)

const defaultFetchTimeout = 7 * time.Second

// Resolver loads the application profile joined with its role. Lookups are
// bounded by a timeout so a stalled store degrades to a fetch failure instead
// of blocking the caller indefinitely.
type Resolver struct {
	store         Store
	timeout       time.Duration
	onDeactivated func(context.Context)
	now           func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithFetchTimeout overrides the lookup deadline.
func WithFetchTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDeactivationHandler is invoked when a deactivated profile is observed.
// The handler is expected to terminate the active session.
func WithDeactivationHandler(fn func(context.Context)) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.onDeactivated = fn
		}
	}
}

// WithResolverClock overrides the time source (useful for tests).
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:         store,
		timeout:       defaultFetchTimeout,
		onDeactivated: func(context.Context) {},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch resolves the profile for identityID. A deactivated profile triggers
// the deactivation handler and reports ErrProfileInactive: downstream must
// treat it exactly like a failed fetch. Transport errors are returned as-is
// so the caller can decide whether a previously established profile survives.
func (r *Resolver) Fetch(ctx context.Context, identityID string) (*Profile, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}

	start := r.now()
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	profile, err := r.store.Profiles(lookupCtx).FindWithRole(lookupCtx, identityID)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		obs.ObserveProfileFetch(outcome, r.now().Sub(start).Seconds())
		obs.Log("warn", "profile fetch failed", map[string]any{
			"identity_id": identityID,
			"error":       err.Error(),
		})
		return nil, err
	}

	if profile.Status == StatusInactive {
		obs.ObserveProfileFetch("inactive", r.now().Sub(start).Seconds())
		obs.Log("warn", "deactivated profile observed, terminating session", map[string]any{
			"identity_id": identityID,
		})
		// The handler runs on the parent context: the session teardown must
		// not be cut short by the lookup deadline.
		r.onDeactivated(ctx)
		return nil, ErrProfileInactive
	}

	obs.ObserveProfileFetch("ok", r.now().Sub(start).Seconds())
	return profile, nil
}
