package model

import (
	"fmt"
	"strings"
)

// Role is the user role as stored with the user profile.
type Role int

const (
	AdminRole  Role = 1
	WorkerRole Role = 2
	UserRole   Role = 3
)

// String implements the stringer interface.
func (r Role) String() string {
	switch r {
	case AdminRole:
		return "admin"
	case WorkerRole:
		return "worker"
	case UserRole:
		return "user"
	}

	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole converts a role name or number to Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "1":
		return AdminRole, nil
	case "worker", "2":
		return WorkerRole, nil
	case "user", "3":
		return UserRole, nil
	}

	return 0, fmt.Errorf("unknown role: %q", s)
}

// Session is the current viewer identity.
// It is injected into the engine explicitly and never read from ambient storage.
type Session struct {
	UserId string
	Role   Role
}

// Validate checks the session is usable by the visibility predicates.
func (s Session) Validate() error {
	if s.UserId == "" {
		return fmt.Errorf("%s: empty", "userId")
	}
	switch s.Role {
	case AdminRole, WorkerRole, UserRole:
	default:
		return fmt.Errorf("%s: unknown (%d)", "role", s.Role)
	}

	return nil
}

// VisibleTo is the role-visibility policy shared by all the entities:
// admins see everything, workers see what is assigned to them, users see what they authored.
func VisibleTo(s Session, assigneeId, authorId string) bool {
	switch s.Role {
	case AdminRole:
		return true
	case WorkerRole:
		return assigneeId != "" && assigneeId == s.UserId
	case UserRole:
		return authorId != "" && authorId == s.UserId
	}

	return false
}
