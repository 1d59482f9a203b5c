package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Role is a user's access level for digest audiences and assistant queries.
type Role string

const (
	RoleExecutive Role = "executive"
	RoleRecruiter Role = "recruiter"
	RoleAdmin     Role = "admin"
)

// ParseRole validates a role from config or the wire.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleExecutive, RoleRecruiter, RoleAdmin:
		return Role(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Privileged reports whether the role may access privileged audiences.
func (r Role) Privileged() bool {
	return r == RoleExecutive || r == RoleAdmin
}

// UpsertRole sets a user's role.
func (s *Store) UpsertRole(ctx context.Context, email string, role Role) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO user_roles (email, role) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET role = EXCLUDED.role
	`, strings.ToLower(email), role)
	return err
}

// GetRole looks up a user's role. Absent users default to recruiter, the
// most restrictive role.
func (s *Store) GetRole(ctx context.Context, email string) (Role, error) {
	var role string
	err := s.DB.QueryRow(ctx,
		`SELECT role FROM user_roles WHERE email = $1`, strings.ToLower(email)).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleRecruiter, nil
		}
		return "", err
	}
	return Role(role), nil
}
