package access

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// router declares the admin RPC surface mounted below /api/access/.
func (m *Module) router() plugin.Router {
	return plugin.Router{Procedures: []plugin.Procedure{
		{
			Name:    "me",
			Method:  http.MethodGet,
			Summary: "Current caller identity",
			Handler: func(_ context.Context, rc *plugin.RequestContext, _ json.RawMessage) (any, error) {
				// Anonymous callers get an explicit null.
				return rc.User, nil
			},
		},
		{
			Name:        "listUsers",
			Method:      http.MethodGet,
			Summary:     "List user accounts with their roles",
			AccessRules: []string{"users.read"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, _ json.RawMessage) (any, error) {
				return m.store.ListUsers(ctx)
			},
		},
		{
			Name:        "setUserRoles",
			Summary:     "Replace a user's role assignments",
			AccessRules: []string{"users.manage"},
			Handler: func(ctx context.Context, rc *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					UserID  string   `json:"userId"`
					RoleIDs []string `json:"roleIds"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.SetUserRoles(ctx, rc.User, req.UserID, req.RoleIDs)
			},
		},
		{
			Name:        "deleteUser",
			Summary:     "Delete a user account",
			AccessRules: []string{"users.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					UserID string `json:"userId"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.DeleteUser(ctx, req.UserID)
			},
		},
		{
			Name:        "listRoles",
			Method:      http.MethodGet,
			Summary:     "List roles with their access rules",
			AccessRules: []string{"users.read"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, _ json.RawMessage) (any, error) {
				return m.store.ListRoles(ctx)
			},
		},
		{
			Name:        "createRole",
			Summary:     "Create a custom role",
			AccessRules: []string{"roles.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req roleRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return m.svc.CreateRole(ctx, req.Name, req.Description, req.Rules)
			},
		},
		{
			Name:        "updateRole",
			Summary:     "Edit a role",
			AccessRules: []string{"roles.manage"},
			Handler: func(ctx context.Context, rc *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req roleRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.UpdateRole(ctx, rc.User, req.RoleID, req.Name, req.Description, req.Rules)
			},
		},
		{
			Name:        "deleteRole",
			Summary:     "Delete a custom role",
			AccessRules: []string{"roles.manage"},
			Handler: func(ctx context.Context, rc *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req roleRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.DeleteRole(ctx, rc.User, req.RoleID)
			},
		},
		{
			Name:        "setDefaultRule",
			Summary:     "Toggle a default rule on the users or anonymous role",
			AccessRules: []string{"roles.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					RuleID  string `json:"ruleId"`
					Public  bool   `json:"public"`
					Enabled bool   `json:"enabled"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				if req.Public {
					return nil, m.svc.SetPublicDefault(ctx, req.RuleID, req.Enabled)
				}
				return nil, m.svc.SetAuthenticatedDefault(ctx, req.RuleID, req.Enabled)
			},
		},
		{
			Name:        "listTeams",
			Method:      http.MethodGet,
			Summary:     "List teams with members and managers",
			AccessRules: []string{"teams.read"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, _ json.RawMessage) (any, error) {
				return m.store.ListTeams(ctx)
			},
		},
		{
			Name:        "createTeam",
			Summary:     "Create a team",
			AccessRules: []string{"teams.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req teamRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return m.svc.CreateTeam(ctx, req.Name, req.Description)
			},
		},
		{
			Name:        "updateTeam",
			Summary:     "Edit a team",
			AccessRules: []string{"teams.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req teamRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.UpdateTeam(ctx, req.TeamID, req.Name, req.Description)
			},
		},
		{
			Name:        "deleteTeam",
			Summary:     "Delete a team and its references",
			AccessRules: []string{"teams.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req teamRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.DeleteTeam(ctx, req.TeamID)
			},
		},
		{
			Name:        "setTeamMembers",
			Summary:     "Replace a team's member list",
			AccessRules: []string{"teams.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req teamMembersRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.SetTeamMembers(ctx, req.TeamID, req.UserIDs)
			},
		},
		{
			Name:        "setTeamManagers",
			Summary:     "Replace a team's manager list",
			AccessRules: []string{"teams.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req teamMembersRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.SetTeamManagers(ctx, req.TeamID, req.UserIDs)
			},
		},
		{
			Name:        "listApplications",
			Method:      http.MethodGet,
			Summary:     "List application identities",
			AccessRules: []string{"applications.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, _ json.RawMessage) (any, error) {
				return m.store.ListApplications(ctx)
			},
		},
		{
			Name:        "createApplication",
			Summary:     "Create an application; the token is returned once",
			AccessRules: []string{"applications.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					Name    string   `json:"name"`
					RoleIDs []string `json:"roleIds"`
					TeamIDs []string `json:"teamIds"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				app, token, err := m.svc.CreateApplication(ctx, req.Name, req.RoleIDs, req.TeamIDs)
				if err != nil {
					return nil, err
				}
				return map[string]any{"application": app, "token": token}, nil
			},
		},
		{
			Name:        "regenerateApplicationSecret",
			Summary:     "Rotate an application's secret; the new token is returned once",
			AccessRules: []string{"applications.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req appRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				token, err := m.svc.RegenerateApplicationSecret(ctx, req.ApplicationID)
				if err != nil {
					return nil, err
				}
				return map[string]string{"token": token}, nil
			},
		},
		{
			Name:        "deleteApplication",
			Summary:     "Delete an application identity",
			AccessRules: []string{"applications.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req appRequest
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.DeleteApplication(ctx, req.ApplicationID)
			},
		},
		{
			Name:        "setResourceTeamAccess",
			Summary:     "Upsert a team grant on a resource",
			AccessRules: []string{"resources.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					ResourceType string `json:"resourceType"`
					ResourceID   string `json:"resourceId"`
					TeamID       string `json:"teamId"`
					CanRead      bool   `json:"canRead"`
					CanManage    bool   `json:"canManage"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.SetResourceTeamAccess(ctx, req.ResourceType, req.ResourceID, req.TeamID, req.CanRead, req.CanManage)
			},
		},
		{
			Name:        "setResourceTeamOnly",
			Summary:     "Toggle the teamOnly overlay on a resource",
			AccessRules: []string{"resources.manage"},
			Handler: func(ctx context.Context, _ *plugin.RequestContext, input json.RawMessage) (any, error) {
				var req struct {
					ResourceType string `json:"resourceType"`
					ResourceID   string `json:"resourceId"`
					TeamOnly     bool   `json:"teamOnly"`
				}
				if err := decode(input, &req); err != nil {
					return nil, err
				}
				return nil, m.svc.SetResourceTeamOnly(ctx, req.ResourceType, req.ResourceID, req.TeamOnly)
			},
		},
	}}
}

type roleRequest struct {
	RoleID      string   `json:"roleId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rules       []string `json:"rules"`
}

type teamRequest struct {
	TeamID      string `json:"teamId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type teamMembersRequest struct {
	TeamID  string   `json:"teamId"`
	UserIDs []string `json:"userIds"`
}

type appRequest struct {
	ApplicationID string `json:"applicationId"`
}

func decode(input json.RawMessage, target any) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: empty request body", plugin.ErrBadRequest)
	}
	if err := json.Unmarshal(input, target); err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrBadRequest, err)
	}
	return nil
}
