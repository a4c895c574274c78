package plugin

import (
	"context"
	"net/http"
)

// WildcardRule is the single rule held by the admin role; it satisfies
// every access check.
const WildcardRule = "*"

// AccessRule is a permission token a plugin declares during Register.
// ID is the local part; the host stores it qualified as <pluginId>.<id>.
type AccessRule struct {
	ID                   string
	Description          string
	AuthenticatedDefault bool // Attach to the "users" role unless disabled
	PublicDefault        bool // Attach to the "anonymous" role unless disabled
}

// UserType discriminates authenticated caller kinds.
type UserType string

const (
	UserTypeUser        UserType = "user"
	UserTypeApplication UserType = "application"
	UserTypeService     UserType = "service"
)

// User is the authenticated caller attached to a request context.
// A nil *User means the caller is anonymous.
type User struct {
	Type          UserType `json:"type"`
	ID            string   `json:"id"`
	Email         string   `json:"email,omitempty"`
	Name          string   `json:"name,omitempty"`
	EmailVerified bool     `json:"emailVerified,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	AccessRules   []string `json:"accessRules,omitempty"`
	TeamIDs       []string `json:"teamIds,omitempty"`
	PluginID      string   `json:"pluginId,omitempty"` // Set for service callers
}

// HasRule reports whether the user's rule set satisfies a single
// namespaced rule (wildcard-aware).
func (u *User) HasRule(rule string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.AccessRules {
		if r == WildcardRule || r == rule {
			return true
		}
	}
	return false
}

// ResourceAction is the kind of access requested on a team-scoped resource.
type ResourceAction string

const (
	ActionRead   ResourceAction = "read"
	ActionManage ResourceAction = "manage"
)

// AuthView is the per-plugin authorization service resolved through the
// service registry.
type AuthView interface {
	// CheckRules reports whether the user holds every listed rule (local
	// ids are resolved against the owning plugin's namespace).
	CheckRules(user *User, rules ...string) bool

	// CheckResourceTeamAccess evaluates team-scoped resource access,
	// honoring teamOnly overlays.
	CheckResourceTeamAccess(ctx context.Context, user *User, resourceType, resourceID string, action ResourceAction, hasGlobalAccess bool) (bool, error)

	// AccessibleResourceIDs filters ids to those the user may act on,
	// preserving input order.
	AccessibleResourceIDs(ctx context.Context, user *User, resourceType string, resourceIDs []string, action ResourceAction, hasGlobalAccess bool) ([]string, error)
}

// SessionUser is the identity a session strategy resolves, before the
// access subsystem enriches it with roles, rules, and teams.
type SessionUser struct {
	ID            string
	Email         string
	Name          string
	EmailVerified bool
}

// AuthenticationStrategy validates a session credential on a request.
// Third-party strategies (social/OAuth providers) implement this
// contract; returning (nil, nil) means "no session present".
type AuthenticationStrategy interface {
	Authenticate(ctx context.Context, r *http.Request) (*SessionUser, error)
}
