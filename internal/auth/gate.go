package auth

// Gate answers permission queries against the currently resolved profile. It
// is pure and synchronous: every call re-derives from whatever the supplier
// returns, so a profile refresh is reflected immediately.
type Gate struct {
	profile func() *Profile
}

// NewGate builds a gate over a profile supplier. The supplier may return nil
// when no profile is bound; every query then denies.
func NewGate(profile func() *Profile) *Gate {
	if profile == nil {
		profile = func() *Profile { return nil }
	}
	return &Gate{profile: profile}
}

// HasPermission reports whether the bound profile holds the permission key.
// Superuser roles satisfy every check regardless of their stored set. A
// missing or malformed role denies.
func (g *Gate) HasPermission(perm string) bool {
	p := g.profile()
	if p == nil || p.Role == nil {
		return false
	}
	if p.Role.Superuser {
		return true
	}
	for _, have := range p.Role.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether at least one of the keys is granted.
func (g *Gate) HasAnyPermission(perms ...string) bool {
	for _, perm := range perms {
		if g.HasPermission(perm) {
			return true
		}
	}
	return false
}

func (g *Gate) CanView(section string) bool {
	return g.HasPermission(PermissionKey(section, ActionView))
}

func (g *Gate) CanCreate(section string) bool {
	return g.HasPermission(PermissionKey(section, ActionCreate))
}

func (g *Gate) CanEdit(section string) bool {
	return g.HasPermission(PermissionKey(section, ActionEdit))
}

func (g *Gate) CanDelete(section string) bool {
	return g.HasPermission(PermissionKey(section, ActionDelete))
}
