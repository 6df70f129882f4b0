package auth

import "time"

// Profile status values as stored by the application.
const (
	StatusActive   = "Activo"
	StatusInactive = "Inactivo"
)

// Actions recognized by the permission model.
const (
	ActionView   = "ver"
	ActionCreate = "crear"
	ActionEdit   = "editar"
	ActionDelete = "eliminar"
)

// SuperuserRoleName is the stored role name the Postgres layer maps onto
// Role.Superuser. The gate itself never compares names.
const SuperuserRoleName = "Administrador"

// Role groups permission keys of the shape "<section>:<action>".
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	Superuser   bool      `json:"superuser"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Profile is the application record keyed 1:1 to a credential-store identity.
// RoleName is denormalized; Role carries the joined record when resolution
// succeeded.
type Profile struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone,omitempty"`
	Status    string    `json:"status"`
	RoleName  string    `json:"role_name"`
	Role      *Role     `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the profile may back a session.
func (p *Profile) Active() bool {
	return p != nil && p.Status == StatusActive
}

// SessionRecord is the server-side session row. UserID is the primary key, so
// an upsert installs the writer as the one true session for that identity.
type SessionRecord struct {
	UserID       string    `json:"user_id"`
	SessionToken string    `json:"session_token"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	LastSeen     time.Time `json:"last_seen"`
}

// PermissionKey builds the canonical "<section>:<action>" permission string.
func PermissionKey(section, action string) string {
	return section + ":" + action
}
