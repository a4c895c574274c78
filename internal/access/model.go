// Package access implements the platform's RBAC subsystem as a core
// plugin: access-rule sync, authentication (sessions, application
// tokens, service tokens), authorization, and the admin surface for
// roles, users, teams, and applications.
package access

import (
	"errors"
	"time"
)

// PluginID is the plugin name the access subsystem registers under.
const PluginID = "access"

// System role ids. Seeded at boot, undeletable.
const (
	RoleAdmin        = "admin"
	RoleUsers        = "users"
	RoleAnonymous    = "anonymous"
	RoleApplications = "applications"
)

// InitialAdminID is the fixed id of the first admin account. The account
// itself cannot be deleted; recognition is by id equality only.
const InitialAdminID = "initial-admin-id"

// Service errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSignUpDisabled     = errors.New("credential sign-up is disabled")
	ErrUserExists         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoleNotFound       = errors.New("role not found")
	ErrTeamNotFound       = errors.New("team not found")
	ErrAppNotFound        = errors.New("application not found")
	ErrSystemRole         = errors.New("system role cannot be modified")
	ErrRoleHeld           = errors.New("cannot modify a role you hold")
	ErrSelfAssign         = errors.New("cannot change your own roles")
	ErrAnonymousRole      = errors.New("the anonymous role cannot be assigned")
	ErrInitialAdmin       = errors.New("the initial admin account cannot be deleted")
	ErrAlreadyCompleted   = errors.New("onboarding already completed")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Role is an assignable bundle of access rules.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"isSystem"`
	Rules       []string  `json:"rules,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserRecord is a stored user account, distinct from the request-scoped
// plugin.User identity.
type UserRecord struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"emailVerified"`
	Roles         []string  `json:"roles,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Team groups users for resource-level access grants.
type Team struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	MemberIDs   []string  `json:"memberIds,omitempty"`
	ManagerIDs  []string  `json:"managerIds,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Application is a machine identity authenticating with a bearer token.
// The secret is shown once at creation; only its bcrypt hash is stored.
type Application struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Roles      []string   `json:"roles,omitempty"`
	TeamIDs    []string   `json:"teamIds,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// TeamGrant is one row of resource_team_access.
type TeamGrant struct {
	TeamID    string `json:"teamId"`
	CanRead   bool   `json:"canRead"`
	CanManage bool   `json:"canManage"`
}
