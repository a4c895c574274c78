package access

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// RuleSource exposes the rules plugins declared during registration.
// Implemented by the lifecycle manager.
type RuleSource interface {
	DeclaredRules() []plugin.AccessRule
	RulesFor(pluginID string) []plugin.AccessRule
}

// ruleStore is the slice of Store the sync worker writes.
type ruleStore interface {
	UpsertRules(ctx context.Context, rules []plugin.AccessRule) error
	AttachDefaults(ctx context.Context) error
	DeleteOrphanRules(ctx context.Context, declared []string) error
	DeleteRulesWithPrefix(ctx context.Context, pluginID string) error
}

// RuleSync reconciles declared access rules with the access_rule tables.
type RuleSync struct {
	store  ruleStore
	source RuleSource
	logger *zap.Logger
}

// NewRuleSync creates the sync worker.
func NewRuleSync(store ruleStore, source RuleSource, logger *zap.Logger) *RuleSync {
	return &RuleSync{store: store, source: source, logger: logger}
}

// FullSync reconciles everything: upsert declared rules with admin
// grants, attach defaults, delete orphans. Runs once per boot; a
// failure here aborts startup.
func (r *RuleSync) FullSync(ctx context.Context) error {
	declared := r.source.DeclaredRules()
	if err := r.store.UpsertRules(ctx, declared); err != nil {
		return fmt.Errorf("full rule sync: %w", err)
	}
	if err := r.store.AttachDefaults(ctx); err != nil {
		return fmt.Errorf("full rule sync: %w", err)
	}
	ids := make([]string, 0, len(declared)+1)
	ids = append(ids, plugin.WildcardRule)
	for _, rule := range declared {
		ids = append(ids, rule.ID)
	}
	if err := r.store.DeleteOrphanRules(ctx, ids); err != nil {
		return fmt.Errorf("full rule sync: %w", err)
	}
	r.logger.Info("access rules synced", zap.Int("declared", len(declared)))
	return nil
}

// SyncPlugin upserts one plugin's rules with admin grants. Used when a
// plugin is installed after boot. Errors are returned so the work-queue
// retry policy re-runs the sync.
func (r *RuleSync) SyncPlugin(ctx context.Context, pluginID string) error {
	rules := r.source.RulesFor(pluginID)
	if len(rules) == 0 {
		return nil
	}
	if err := r.store.UpsertRules(ctx, rules); err != nil {
		return fmt.Errorf("sync rules for %s: %w", pluginID, err)
	}
	return r.store.AttachDefaults(ctx)
}

// rulesRegisteredListener handles accessRulesRegistered events from the
// work queue.
func (r *RuleSync) rulesRegisteredListener(ctx context.Context, event plugin.Event) error {
	pluginID, err := pluginIDOf(event)
	if err != nil {
		r.logger.Warn("malformed accessRulesRegistered payload", zap.Error(err))
		return nil // not retryable
	}
	return r.SyncPlugin(ctx, pluginID)
}

// pluginDeregisteredListener removes the departing plugin's rules.
func (r *RuleSync) pluginDeregisteredListener(ctx context.Context, event plugin.Event) error {
	pluginID, err := pluginIDOf(event)
	if err != nil {
		r.logger.Warn("malformed pluginDeregistered payload", zap.Error(err))
		return nil
	}
	return r.store.DeleteRulesWithPrefix(ctx, pluginID)
}

func pluginIDOf(event plugin.Event) (string, error) {
	var payload struct {
		PluginID string `json:"pluginId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if payload.PluginID == "" {
		return "", fmt.Errorf("payload missing pluginId")
	}
	return payload.PluginID, nil
}
