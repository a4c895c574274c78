package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/registry"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// fakeHost serves a fixed plugin set without a lifecycle manager.
type fakeHost struct {
	infos    []plugin.Info
	routers  map[string]plugin.Router
	handlers map[string][]registry.HTTPHandler
	auth     plugin.AuthView
}

func (f *fakeHost) Plugins() []plugin.Info { return f.infos }

func (f *fakeHost) RouterFor(name string) (plugin.Router, bool) {
	r, ok := f.routers[name]
	return r, ok
}

func (f *fakeHost) HTTPHandlersFor(name string) []registry.HTTPHandler {
	return f.handlers[name]
}

func (f *fakeHost) RequestContext(name string) (*plugin.RequestContext, error) {
	for _, info := range f.infos {
		if info.Name == name {
			return &plugin.RequestContext{Plugin: info, Logger: zap.NewNop(), Auth: f.auth}, nil
		}
	}
	return nil, fmt.Errorf("%w: plugin %q", plugin.ErrNotFound, name)
}

// fakeAuthn resolves a fixed user per bearer token.
type fakeAuthn struct {
	users map[string]*plugin.User
}

func (f *fakeAuthn) Authenticate(_ context.Context, r *http.Request) (*plugin.User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("%w: unknown token", plugin.ErrUnauthorized)
}

func (f *fakeAuthn) JWKS() ([]byte, error) {
	return []byte(`{"keys":[]}`), nil
}

// ruleAuth grants when the user holds every rule verbatim or wildcard.
type ruleAuth struct{}

func (ruleAuth) CheckRules(user *plugin.User, rules ...string) bool {
	if user == nil {
		return false
	}
	for _, rule := range rules {
		if !user.HasRule(rule) && !user.HasRule("monitoring."+rule) {
			return false
		}
	}
	return true
}

func (ruleAuth) CheckResourceTeamAccess(context.Context, *plugin.User, string, string, plugin.ResourceAction, bool) (bool, error) {
	return false, nil
}

func (ruleAuth) AccessibleResourceIDs(_ context.Context, _ *plugin.User, _ string, ids []string, _ plugin.ResourceAction, _ bool) ([]string, error) {
	return ids, nil
}

func newTestServer(t *testing.T) (*Server, *fakeHost) {
	t.Helper()

	host := &fakeHost{
		infos: []plugin.Info{
			{Name: "monitoring", Type: plugin.TypeBackend, Version: "1.0.0"},
			{Name: "monitoring-frontend", Type: plugin.TypeFrontend, Path: "plugins/monitoring-frontend"},
		},
		routers: map[string]plugin.Router{
			"monitoring": {Procedures: []plugin.Procedure{
				{
					Name:        "listChecks",
					Method:      http.MethodGet,
					Summary:     "List health checks",
					AccessRules: []string{"read"},
					Handler: func(context.Context, *plugin.RequestContext, json.RawMessage) (any, error) {
						return []string{"db", "broker"}, nil
					},
				},
				{
					Name: "echo",
					Handler: func(_ context.Context, _ *plugin.RequestContext, in json.RawMessage) (any, error) {
						var m map[string]any
						if err := json.Unmarshal(in, &m); err != nil {
							return nil, fmt.Errorf("%w: %v", plugin.ErrBadRequest, err)
						}
						return m, nil
					},
				},
				{
					Name:     "internalOnly",
					UserType: plugin.UserTypeService,
					Handler: func(context.Context, *plugin.RequestContext, json.RawMessage) (any, error) {
						return nil, nil
					},
				},
			}},
		},
		handlers: map[string][]registry.HTTPHandler{
			"monitoring": {{
				Prefix: "/report",
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprintf(w, "report at %s", r.URL.Path)
				}),
			}},
		},
		auth: ruleAuth{},
	}

	authn := &fakeAuthn{users: map[string]*plugin.User{
		"reader-token": {Type: plugin.UserTypeUser, ID: "u1", AccessRules: []string{"monitoring.read"}},
		"admin-token":  {Type: plugin.UserTypeUser, ID: "u2", AccessRules: []string{"*"}},
		"svc-token":    {Type: plugin.UserTypeService, ID: "service:other", PluginID: "other", AccessRules: []string{"*"}},
	}}

	srv := New("127.0.0.1:0", host, authn, ruleAuth{}, nil, nil, zap.NewNop())
	return srv, host
}

func TestRootLiveness(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Coreplane is running") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestListPluginsReturnsOnlyFrontends(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plugins", http.NoBody))

	var got []FrontendPlugin
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "monitoring-frontend" {
		t.Errorf("plugins = %+v", got)
	}
	if got[0].Path != "plugins/monitoring-frontend" {
		t.Errorf("path = %q", got[0].Path)
	}
}

func TestJWKSServed(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("jwks is not JSON: %v", err)
	}
	if _, ok := doc["keys"]; !ok {
		t.Error("jwks has no keys field")
	}
}

func TestDispatch_RuleGatedProcedure(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"anonymous is unauthorized", "", http.StatusUnauthorized},
		{"holder passes", "reader-token", http.StatusOK},
		{"wildcard passes", "admin-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/monitoring/listChecks", http.NoBody)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d; body %s", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestDispatch_UserTypeGate(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/monitoring/internalOnly", http.NoBody)
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("user calling service-only procedure: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/monitoring/internalOnly", http.NoBody)
	req.Header.Set("Authorization", "Bearer svc-token")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("service caller: status = %d, want 204", w.Code)
	}
}

func TestDispatch_PublicProcedureEchoesBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/monitoring/echo", strings.NewReader(`{"ping":"pong"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["ping"] != "pong" {
		t.Errorf("echo = %v", got)
	}
}

func TestDispatch_BadTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/monitoring/echo", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer no-such-token")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestFallbackHandlerStripsAPIPrefix(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/report/daily", http.NoBody)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "report at /report/daily" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestUnknownPluginIs404Problem(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/nosuch/op", http.NoBody)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != ProblemTypeNotFound {
		t.Errorf("problem type = %q", p.Type)
	}
}

func TestUnmatchedRouteFallsThroughTo404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/monitoring/listChecks", http.NoBody)
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("wrong-method dispatch: status = %d, want 404", w.Code)
	}
}

func TestOpenAPI_GatedAndAnnotated(t *testing.T) {
	srv, _ := newTestServer(t)

	// Anonymous gets 401.
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/openapi.json", http.NoBody))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}

	// Reader lacks applications.manage.
	req := httptest.NewRequest(http.MethodGet, "/api/openapi.json", http.NoBody)
	req.Header.Set("Authorization", "Bearer reader-token")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("reader: status = %d, want 403", w.Code)
	}

	// Admin gets the aggregated document.
	req = httptest.NewRequest(http.MethodGet, "/api/openapi.json", http.NoBody)
	req.Header.Set("Authorization", "Bearer admin-token")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: status = %d", w.Code)
	}

	var doc struct {
		OpenAPI string `json:"openapi"`
		Paths   map[string]map[string]struct {
			OperationID string `json:"operationId"`
			Meta        struct {
				UserType    string   `json:"userType"`
				AccessRules []string `json:"accessRules"`
			} `json:"x-orpc-meta"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi version = %q", doc.OpenAPI)
	}

	listChecks, ok := doc.Paths["/api/monitoring/listChecks"]["get"]
	if !ok {
		t.Fatalf("listChecks missing from paths: %v", doc.Paths)
	}
	if listChecks.OperationID != "monitoring.listChecks" {
		t.Errorf("operationId = %q", listChecks.OperationID)
	}
	if len(listChecks.Meta.AccessRules) != 1 || listChecks.Meta.AccessRules[0] != "monitoring.read" {
		t.Errorf("x-orpc-meta accessRules = %v", listChecks.Meta.AccessRules)
	}

	internal, ok := doc.Paths["/api/monitoring/internalOnly"]["post"]
	if !ok {
		t.Fatal("internalOnly missing from paths")
	}
	if internal.Meta.UserType != string(plugin.UserTypeService) {
		t.Errorf("x-orpc-meta userType = %q", internal.Meta.UserType)
	}
}

func TestWriteErrorMapsTaxonomy(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{plugin.ErrUnauthorized, http.StatusUnauthorized},
		{plugin.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("wrap: %w", plugin.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", plugin.ErrBadRequest), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err, "/api/x/y")
		if w.Code != tt.status {
			t.Errorf("WriteError(%v) = %d, want %d", tt.err, w.Code, tt.status)
		}
	}
}
