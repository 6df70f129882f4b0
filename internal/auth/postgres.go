package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Profiles(context.Context) ProfileStore { return &profileStore{db: s.db} }
func (s *PGStore) Roles(context.Context) RoleStore       { return &roleStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore { return &sessionStore{db: s.db} }

// Profile store ------------------------------------------------------------

type profileStore struct{ db *sql.DB }

func (s *profileStore) FindWithRole(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		select p.id, p.full_name, p.phone, p.status, p.role_name, p.created_at, p.updated_at,
		       r.id, r.name, r.description, r.permissions, r.created_at, r.updated_at
		from user_profiles p
		left join roles r on r.name = p.role_name
		where p.id = $1`, id)

	var (
		p           Profile
		phone       sql.NullString
		roleID      sql.NullString
		roleName    sql.NullString
		roleDesc    sql.NullString
		permissions []byte
		roleCreated sql.NullTime
		roleUpdated sql.NullTime
	)
	err := row.Scan(&p.ID, &p.FullName, &phone, &p.Status, &p.RoleName, &p.CreatedAt, &p.UpdatedAt,
		&roleID, &roleName, &roleDesc, &permissions, &roleCreated, &roleUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Phone = phone.String
	if roleID.Valid {
		p.Role = buildRole(roleID.String, roleName.String, roleDesc.String, permissions,
			roleCreated.Time, roleUpdated.Time)
	}
	return &p, nil
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, description, permissions, created_at, updated_at
		from roles where name = $1`, name)
	return scanRole(row)
}

func (s *roleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, permissions, created_at, updated_at
		from roles order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*Role, error) {
	var (
		id, name    string
		desc        sql.NullString
		permissions []byte
		created     time.Time
		updated     time.Time
	)
	if err := row.Scan(&id, &name, &desc, &permissions, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return buildRole(id, name, desc.String, permissions, created, updated), nil
}

// buildRole derives the superuser capability from the stored role name so the
// data contract stays unchanged while the gate never compares names.
func buildRole(id, name, description string, permissions []byte, created, updated time.Time) *Role {
	role := &Role{
		ID:          id,
		Name:        name,
		Description: description,
		Superuser:   name == SuperuserRoleName,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if len(permissions) > 0 {
		// Malformed permission payloads leave the set empty: default-deny.
		_ = json.Unmarshal(permissions, &role.Permissions)
	}
	return role
}

// Session store ------------------------------------------------------------

type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Upsert(ctx context.Context, rec *SessionRecord) error {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions(user_id, session_token, ip_address, user_agent, last_seen)
		values ($1,$2,$3,$4,$5)
		on conflict (user_id) do update
		set session_token = excluded.session_token,
		    ip_address    = excluded.ip_address,
		    user_agent    = excluded.user_agent,
		    last_seen     = excluded.last_seen`,
		rec.UserID, rec.SessionToken, rec.IPAddress, rec.UserAgent, rec.LastSeen)
	return err
}

func (s *sessionStore) Find(ctx context.Context, userID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select user_id, session_token, ip_address, user_agent, last_seen
		from user_sessions where user_id = $1`, userID)
	var rec SessionRecord
	err := row.Scan(&rec.UserID, &rec.SessionToken, &rec.IPAddress, &rec.UserAgent, &rec.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sessionStore) Touch(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set last_seen = now() where user_id = $1`, userID)
	return err
}

func (s *sessionStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from user_sessions where user_id = $1`, userID)
	return err
}
