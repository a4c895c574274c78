package access

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// fakeGrants serves team grants and anonymous rules from memory.
type fakeGrants struct {
	grants    map[string][]TeamGrant // key: type|id
	teamOnly  map[string]bool
	anonRules []string
	anonCalls int
}

func (f *fakeGrants) TeamGrants(_ context.Context, resourceType, resourceID string) ([]TeamGrant, error) {
	return f.grants[resourceType+"|"+resourceID], nil
}

func (f *fakeGrants) TeamOnly(_ context.Context, resourceType, resourceID string) (bool, error) {
	return f.teamOnly[resourceType+"|"+resourceID], nil
}

func (f *fakeGrants) AnonymousRules(context.Context) ([]string, error) {
	f.anonCalls++
	return f.anonRules, nil
}

func newTestEvaluator(f *fakeGrants) *Evaluator {
	return NewEvaluator("monitoring", f, NewAnonCache(f, zap.NewNop()), zap.NewNop())
}

func TestCheckRules_WildcardSatisfiesEverything(t *testing.T) {
	e := newTestEvaluator(&fakeGrants{})
	admin := &plugin.User{AccessRules: []string{plugin.WildcardRule}}

	if !e.CheckRules(admin, "read", "other.manage", "anything.at.all") {
		t.Error("wildcard did not satisfy rule check")
	}
}

func TestCheckRules_LocalIDResolvesAgainstNamespace(t *testing.T) {
	e := newTestEvaluator(&fakeGrants{})
	user := &plugin.User{AccessRules: []string{"monitoring.read"}}

	if !e.CheckRules(user, "read") {
		t.Error("local rule id did not resolve against namespace")
	}
	if e.CheckRules(user, "manage") {
		t.Error("unheld rule passed")
	}
}

func TestCheckRules_QualifiedIDMatchesVerbatim(t *testing.T) {
	e := newTestEvaluator(&fakeGrants{})
	user := &plugin.User{AccessRules: []string{"access.users.read"}}

	if !e.CheckRules(user, "access.users.read") {
		t.Error("fully qualified rule did not match")
	}
}

func TestCheckRules_AllRulesRequired(t *testing.T) {
	e := newTestEvaluator(&fakeGrants{})
	user := &plugin.User{AccessRules: []string{"monitoring.read"}}

	if e.CheckRules(user, "read", "manage") {
		t.Error("partial rule set passed an all-rules check")
	}
}

func TestCheckRules_AnonymousUsesCachedRules(t *testing.T) {
	f := &fakeGrants{anonRules: []string{"monitoring.read"}}
	e := newTestEvaluator(f)

	if !e.CheckRules(nil, "read") {
		t.Error("anonymous caller denied a public rule")
	}
	if e.CheckRules(nil, "manage") {
		t.Error("anonymous caller granted a non-public rule")
	}
	// Second check within the TTL must not reload.
	if f.anonCalls != 1 {
		t.Errorf("anonymous rules loaded %d times, want 1", f.anonCalls)
	}
}

func TestAnonCache_InvalidateForcesReload(t *testing.T) {
	f := &fakeGrants{anonRules: []string{"monitoring.read"}}
	cache := NewAnonCache(f, zap.NewNop())

	cache.Rules(context.Background())
	cache.Invalidate()
	cache.Rules(context.Background())

	if f.anonCalls != 2 {
		t.Errorf("anonymous rules loaded %d times after invalidation, want 2", f.anonCalls)
	}
}

func TestCheckResourceTeamAccess(t *testing.T) {
	const key = "monitoring.probe|p1"
	tests := []struct {
		name       string
		grants     []TeamGrant
		teamOnly   bool
		userTeams  []string
		action     plugin.ResourceAction
		global     bool
		want       bool
	}{
		{
			name:   "no grants falls back to global access",
			action: plugin.ActionRead,
			global: true,
			want:   true,
		},
		{
			name:     "no grants with teamOnly denies despite global",
			teamOnly: true,
			action:   plugin.ActionRead,
			global:   true,
			want:     false,
		},
		{
			name:      "team read grant allows read",
			grants:    []TeamGrant{{TeamID: "t1", CanRead: true}},
			userTeams: []string{"t1"},
			action:    plugin.ActionRead,
			want:      true,
		},
		{
			name:      "read grant does not allow manage",
			grants:    []TeamGrant{{TeamID: "t1", CanRead: true}},
			userTeams: []string{"t1"},
			action:    plugin.ActionManage,
			want:      false,
		},
		{
			name:      "manage grant implies read",
			grants:    []TeamGrant{{TeamID: "t1", CanManage: true}},
			userTeams: []string{"t1"},
			action:    plugin.ActionRead,
			want:      true,
		},
		{
			name:      "non-member falls back to global",
			grants:    []TeamGrant{{TeamID: "t1", CanRead: true}},
			userTeams: []string{"t2"},
			action:    plugin.ActionRead,
			global:    true,
			want:      true,
		},
		{
			name:      "non-member with teamOnly is denied",
			grants:    []TeamGrant{{TeamID: "t1", CanRead: true}},
			teamOnly:  true,
			userTeams: []string{"t2"},
			action:    plugin.ActionRead,
			global:    true,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeGrants{
				grants:   map[string][]TeamGrant{key: tt.grants},
				teamOnly: map[string]bool{key: tt.teamOnly},
			}
			e := newTestEvaluator(f)
			user := &plugin.User{ID: "u1", TeamIDs: tt.userTeams}

			got, err := e.CheckResourceTeamAccess(context.Background(), user, "probe", "p1", tt.action, tt.global)
			if err != nil {
				t.Fatalf("CheckResourceTeamAccess: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccessibleResourceIDs_PreservesOrder(t *testing.T) {
	f := &fakeGrants{
		grants: map[string][]TeamGrant{
			"monitoring.probe|a": {{TeamID: "t1", CanRead: true}},
			"monitoring.probe|b": {{TeamID: "t9", CanRead: true}},
			"monitoring.probe|c": {{TeamID: "t1", CanRead: true}},
		},
		teamOnly: map[string]bool{
			"monitoring.probe|b": true,
		},
	}
	e := newTestEvaluator(f)
	user := &plugin.User{ID: "u1", TeamIDs: []string{"t1"}}

	got, err := e.AccessibleResourceIDs(context.Background(), user, "probe",
		[]string{"a", "b", "c"}, plugin.ActionRead, false)
	if err != nil {
		t.Fatalf("AccessibleResourceIDs: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("accessible ids = %v, want [a c]", got)
	}
}
