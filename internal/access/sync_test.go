package access

import (
	"context"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// fakeRuleStore models the access_rule tables in memory with the same
// row semantics the SQL enforces.
type fakeRuleStore struct {
	rules        map[string]plugin.AccessRule
	grants       map[string]map[string]bool // role id -> rule ids
	disabledAuth map[string]bool            // disabled_default_access_rule
	disabledPub  map[string]bool            // disabled_public_default_access_rule
	calls        []string
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{
		rules:        make(map[string]plugin.AccessRule),
		grants:       map[string]map[string]bool{RoleAdmin: {}, RoleUsers: {}, RoleAnonymous: {}},
		disabledAuth: make(map[string]bool),
		disabledPub:  make(map[string]bool),
	}
}

func (f *fakeRuleStore) UpsertRules(_ context.Context, rules []plugin.AccessRule) error {
	f.calls = append(f.calls, "upsert")
	for _, r := range rules {
		f.rules[r.ID] = r
		f.grants[RoleAdmin][r.ID] = true
	}
	return nil
}

func (f *fakeRuleStore) AttachDefaults(context.Context) error {
	f.calls = append(f.calls, "attach")
	for id, r := range f.rules {
		if r.AuthenticatedDefault && !f.disabledAuth[id] {
			f.grants[RoleUsers][id] = true
		}
		if r.PublicDefault && !f.disabledPub[id] {
			f.grants[RoleAnonymous][id] = true
		}
	}
	return nil
}

func (f *fakeRuleStore) DeleteOrphanRules(_ context.Context, declared []string) error {
	f.calls = append(f.calls, "orphans")
	keep := func(id string) bool { return slices.Contains(declared, id) }
	for _, role := range f.grants {
		for id := range role {
			if !keep(id) {
				delete(role, id)
			}
		}
	}
	for id := range f.rules {
		if !keep(id) {
			delete(f.rules, id)
			delete(f.disabledAuth, id)
			delete(f.disabledPub, id)
		}
	}
	return nil
}

func (f *fakeRuleStore) DeleteRulesWithPrefix(_ context.Context, pluginID string) error {
	f.calls = append(f.calls, "prefix:"+pluginID)
	owned := func(id string) bool { return strings.HasPrefix(id, pluginID+".") }
	for _, role := range f.grants {
		for id := range role {
			if owned(id) {
				delete(role, id)
			}
		}
	}
	for id := range f.rules {
		if owned(id) {
			delete(f.rules, id)
		}
	}
	return nil
}

type fakeRuleSource struct {
	byPlugin map[string][]plugin.AccessRule
}

func (f *fakeRuleSource) DeclaredRules() []plugin.AccessRule {
	ids := make([]string, 0, len(f.byPlugin))
	for id := range f.byPlugin {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var all []plugin.AccessRule
	for _, id := range ids {
		all = append(all, f.byPlugin[id]...)
	}
	return all
}

func (f *fakeRuleSource) RulesFor(pluginID string) []plugin.AccessRule {
	return f.byPlugin[pluginID]
}

func newTestSync(store *fakeRuleStore, source RuleSource) *RuleSync {
	return NewRuleSync(store, source, zap.NewNop())
}

func TestFullSync_UpsertsDeclaredWithAdminGrants(t *testing.T) {
	store := newFakeRuleStore()
	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{
		"monitoring": {{ID: "monitoring.read"}, {ID: "monitoring.manage"}},
	}})

	if err := sync.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	for _, id := range []string{"monitoring.read", "monitoring.manage"} {
		if _, ok := store.rules[id]; !ok {
			t.Errorf("rule %s not upserted", id)
		}
		if !store.grants[RoleAdmin][id] {
			t.Errorf("rule %s not granted to admin", id)
		}
	}
}

// Orphan cleanup must remove undeclared rules and their join rows while
// never touching the admin wildcard grant.
func TestFullSync_DeletesOrphansKeepsWildcard(t *testing.T) {
	store := newFakeRuleStore()
	store.rules["gone.read"] = plugin.AccessRule{ID: "gone.read"}
	store.grants[RoleAdmin][plugin.WildcardRule] = true
	store.grants[RoleAdmin]["gone.read"] = true
	store.grants[RoleUsers]["gone.read"] = true
	store.disabledAuth["gone.read"] = true

	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{
		"monitoring": {{ID: "monitoring.read"}},
	}})
	if err := sync.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if _, ok := store.rules["gone.read"]; ok {
		t.Error("orphan rule survived the sync")
	}
	if store.grants[RoleAdmin]["gone.read"] || store.grants[RoleUsers]["gone.read"] {
		t.Error("orphan grant rows survived the sync")
	}
	if store.disabledAuth["gone.read"] {
		t.Error("orphan opt-out row survived the sync")
	}
	if !store.grants[RoleAdmin][plugin.WildcardRule] {
		t.Error("admin wildcard grant was deleted as an orphan")
	}
}

func TestFullSync_OptOutSuppressesDefaultReattach(t *testing.T) {
	store := newFakeRuleStore()
	store.disabledAuth["m.read"] = true
	store.disabledPub["m.status"] = true

	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{
		"m": {
			{ID: "m.read", AuthenticatedDefault: true},
			{ID: "m.list", AuthenticatedDefault: true},
			{ID: "m.status", PublicDefault: true},
		},
	}})
	if err := sync.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if store.grants[RoleUsers]["m.read"] {
		t.Error("opted-out authenticated default was re-attached")
	}
	if !store.grants[RoleUsers]["m.list"] {
		t.Error("authenticated default without opt-out was not attached")
	}
	if store.grants[RoleAnonymous]["m.status"] {
		t.Error("opted-out public default was re-attached")
	}
}

func TestSyncPlugin_NoDeclaredRulesIsNoop(t *testing.T) {
	store := newFakeRuleStore()
	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{}})

	if err := sync.SyncPlugin(context.Background(), "empty"); err != nil {
		t.Fatalf("SyncPlugin: %v", err)
	}
	if len(store.calls) != 0 {
		t.Errorf("store calls = %v, want none", store.calls)
	}
}

// A late install syncs its own rules but never runs orphan deletion;
// that pass belongs to boot alone.
func TestRulesRegisteredListener_SyncsWithoutOrphanPass(t *testing.T) {
	store := newFakeRuleStore()
	store.rules["other.read"] = plugin.AccessRule{ID: "other.read"}
	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{
		"late": {{ID: "late.read"}},
	}})

	err := sync.rulesRegisteredListener(context.Background(), testEvent(t, plugin.HookAccessRulesRegistered, "late"))
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	if _, ok := store.rules["late.read"]; !ok {
		t.Error("installed plugin's rule not synced")
	}
	if _, ok := store.rules["other.read"]; !ok {
		t.Error("unrelated rule removed by a single-plugin sync")
	}
	if slices.Contains(store.calls, "orphans") {
		t.Errorf("store calls = %v, orphan pass must not run on install", store.calls)
	}
}

// Deregistration removes exactly the departing plugin's namespace; a
// plugin id that is a prefix of another id must not match.
func TestDeregisteredListener_RemovesExactNamespace(t *testing.T) {
	store := newFakeRuleStore()
	for _, id := range []string{"mon.read", "mon.manage", "monitor.read"} {
		store.rules[id] = plugin.AccessRule{ID: id}
		store.grants[RoleAdmin][id] = true
	}
	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{}})

	err := sync.pluginDeregisteredListener(context.Background(), testEvent(t, plugin.HookPluginDeregistered, "mon"))
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	for _, id := range []string{"mon.read", "mon.manage"} {
		if _, ok := store.rules[id]; ok {
			t.Errorf("rule %s survived deregistration", id)
		}
		if store.grants[RoleAdmin][id] {
			t.Errorf("grant for %s survived deregistration", id)
		}
	}
	if _, ok := store.rules["monitor.read"]; !ok {
		t.Error("rule of the unrelated monitor plugin was deleted")
	}
}

// Malformed payloads are logged and dropped, never handed back to the
// work-queue retry policy.
func TestListeners_MalformedPayloadNotRetried(t *testing.T) {
	store := newFakeRuleStore()
	sync := newTestSync(store, &fakeRuleSource{byPlugin: map[string][]plugin.AccessRule{}})
	bad := plugin.Event{Hook: plugin.HookAccessRulesRegistered, Payload: []byte(`{"nope":1}`)}

	if err := sync.rulesRegisteredListener(context.Background(), bad); err != nil {
		t.Errorf("rulesRegisteredListener on bad payload: err = %v, want nil", err)
	}
	if err := sync.pluginDeregisteredListener(context.Background(), bad); err != nil {
		t.Errorf("pluginDeregisteredListener on bad payload: err = %v, want nil", err)
	}
	if len(store.calls) != 0 {
		t.Errorf("store calls = %v, want none", store.calls)
	}
}

func testEvent(t *testing.T, hook plugin.Hook, pluginID string) plugin.Event {
	t.Helper()
	return plugin.Event{
		Hook:      hook,
		Source:    "core",
		Timestamp: time.Now(),
		Payload:   []byte(`{"pluginId":"` + pluginID + `"}`),
	}
}
