package credstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBoundSessionPinsIssuedSession(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	sess, err := p.SignInWithPassword(ctx, "ana@nexahse.org", "correct horse")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	b := Bind(p, sess)
	got, err := b.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.AccessToken != sess.AccessToken || got.Identity.ID != "u1" {
		t.Fatalf("bound session mismatch: %+v", got)
	}

	// The handle ignores later parent sign-ins.
	if err := p.Register("omar@nexahse.org", "battery staple", Identity{ID: "u2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := p.SignInWithPassword(ctx, "omar@nexahse.org", "battery staple"); err != nil {
		t.Fatalf("second sign-in: %v", err)
	}
	got, _ = b.GetSession(ctx)
	if got == nil || got.Identity.ID != "u1" {
		t.Fatalf("bound session must stay pinned to u1, got %+v", got)
	}
}

func TestBoundSessionExpires(t *testing.T) {
	p := newProvider(t)
	sess, err := p.SignInWithPassword(context.Background(), "ana@nexahse.org", "correct horse")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	current := time.Now()
	b := Bind(p, sess, WithBoundClock(func() time.Time { return current }))
	if got, _ := b.GetSession(context.Background()); got == nil {
		t.Fatal("fresh session expected")
	}

	current = current.Add(2 * time.Hour)
	if got, _ := b.GetSession(context.Background()); got != nil {
		t.Fatal("expired session must read as nil")
	}
}

func TestBoundSignOutClearsAndAnnounces(t *testing.T) {
	p := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := p.SignInWithPassword(ctx, "ana@nexahse.org", "correct horse")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	b := Bind(p, sess)
	ch := b.AuthChanges(ctx)

	if err := b.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	expectEvent(t, ch, EventSignedOut)

	if got, _ := b.GetSession(ctx); got != nil {
		t.Fatal("session must be cleared")
	}
	// The parent's matching current session is revoked too.
	if got, _ := p.GetSession(ctx); got != nil {
		t.Fatal("parent session must be revoked")
	}
}

func TestBoundSignInRejected(t *testing.T) {
	p := newProvider(t)
	b := Bind(p, nil)
	if _, err := b.SignInWithPassword(context.Background(), "ana@nexahse.org", "correct horse"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

// Password updates through a bound handle target the bound identity even when
// another session has become current on the parent.
func TestBoundUpdateUserTargetsBoundIdentity(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	if err := p.Register("omar@nexahse.org", "battery staple", Identity{ID: "u2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	anaSess, err := p.SignInWithPassword(ctx, "ana@nexahse.org", "correct horse")
	if err != nil {
		t.Fatalf("ana sign-in: %v", err)
	}
	b := Bind(p, anaSess)

	if _, err := p.SignInWithPassword(ctx, "omar@nexahse.org", "battery staple"); err != nil {
		t.Fatalf("omar sign-in: %v", err)
	}

	pw := "horse battery"
	if err := b.UpdateUser(ctx, UserUpdate{Password: &pw}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	if _, err := p.SignInWithPassword(ctx, "ana@nexahse.org", "horse battery"); err != nil {
		t.Fatalf("ana's new password rejected: %v", err)
	}
	if _, err := p.SignInWithPassword(ctx, "omar@nexahse.org", "battery staple"); err != nil {
		t.Fatalf("omar's password must be untouched: %v", err)
	}
}

func TestBoundUpdateUserWithoutSession(t *testing.T) {
	p := newProvider(t)
	b := Bind(p, nil)
	pw := "whatever"
	if err := b.UpdateUser(context.Background(), UserUpdate{Password: &pw}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLocalRevokeTokenOnlyMatching(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	sess, err := p.SignInWithPassword(ctx, "ana@nexahse.org", "correct horse")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	if err := p.RevokeToken(ctx, "some-other-token"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if got, _ := p.GetSession(ctx); got == nil {
		t.Fatal("non-matching revocation must not clear the session")
	}

	if err := p.RevokeToken(ctx, sess.AccessToken); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if got, _ := p.GetSession(ctx); got != nil {
		t.Fatal("matching revocation must clear the session")
	}
}
