package auth

import "context"

type profileContextKey struct{}
type identityContextKey struct{}

// ContextWithProfile attaches the resolved profile to the context.
func ContextWithProfile(ctx context.Context, profile Profile) context.Context {
	return context.WithValue(ctx, profileContextKey{}, &profile)
}

// ProfileFromContext extracts the resolved profile from the context.
func ProfileFromContext(ctx context.Context) (Profile, bool) {
	if ctx == nil {
		return Profile{}, false
	}
	v, ok := ctx.Value(profileContextKey{}).(*Profile)
	if !ok || v == nil {
		return Profile{}, false
	}
	return *v, true
}

// ContextWithIdentityID stores the authenticated identity id in the context.
func ContextWithIdentityID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityIDFromContext returns the authenticated identity id if present.
func IdentityIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(identityContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
