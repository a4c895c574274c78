package access

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// anonCacheTTL bounds staleness of the anonymous rule set. Anonymous
// checks run on every unauthenticated request, so the set is cached and
// refreshed lazily; permission edits invalidate it immediately on the
// local instance.
const anonCacheTTL = 60 * time.Second

// grantStore is the slice of Store the evaluator reads.
type grantStore interface {
	TeamGrants(ctx context.Context, resourceType, resourceID string) ([]TeamGrant, error)
	TeamOnly(ctx context.Context, resourceType, resourceID string) (bool, error)
	AnonymousRules(ctx context.Context) ([]string, error)
}

// AnonCache is the shared, lazily refreshed anonymous rule set.
type AnonCache struct {
	store  grantStore
	logger *zap.Logger

	mu      sync.RWMutex
	rules   []string
	expires time.Time
}

// NewAnonCache creates the cache in an expired state.
func NewAnonCache(store grantStore, logger *zap.Logger) *AnonCache {
	return &AnonCache{store: store, logger: logger}
}

// Rules returns the anonymous rule set, refreshing it when stale. On
// refresh failure the previous set is served and the error logged.
func (c *AnonCache) Rules(ctx context.Context) []string {
	c.mu.RLock()
	if time.Now().Before(c.expires) {
		rules := c.rules
		c.mu.RUnlock()
		return rules
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expires) {
		return c.rules
	}
	rules, err := c.store.AnonymousRules(ctx)
	if err != nil {
		c.logger.Warn("refresh anonymous rules failed", zap.Error(err))
		return c.rules
	}
	c.rules = rules
	c.expires = time.Now().Add(anonCacheTTL)
	return rules
}

// Invalidate expires the cache so the next check reloads.
func (c *AnonCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires = time.Time{}
}

// Evaluator is the per-plugin plugin.AuthView. Local rule ids and
// resource types resolve against the owning plugin's namespace.
type Evaluator struct {
	namespace string
	store     grantStore
	anon      *AnonCache
	logger    *zap.Logger
}

var _ plugin.AuthView = (*Evaluator)(nil)

// NewEvaluator creates the authorization view handed to one plugin.
func NewEvaluator(namespace string, store grantStore, anon *AnonCache, logger *zap.Logger) *Evaluator {
	return &Evaluator{namespace: namespace, store: store, anon: anon, logger: logger}
}

// CheckRules reports whether the caller holds every listed rule. Rules
// match either verbatim (fully qualified) or resolved against this
// plugin's namespace. Anonymous callers check against the cached
// anonymous rule set.
func (e *Evaluator) CheckRules(user *plugin.User, rules ...string) bool {
	held := e.heldRules(user)
	for _, rule := range rules {
		if !holdsRule(held, rule, e.namespace) {
			e.logger.Debug("access rule not held",
				zap.String("rule", rule),
				zap.String("namespace", e.namespace),
			)
			return false
		}
	}
	return true
}

func (e *Evaluator) heldRules(user *plugin.User) []string {
	if user != nil {
		return user.AccessRules
	}
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	return e.anon.Rules(ctx)
}

func holdsRule(held []string, rule, namespace string) bool {
	qualified := rule
	if !strings.Contains(rule, ".") {
		qualified = namespace + "." + rule
	}
	for _, h := range held {
		if h == plugin.WildcardRule || h == rule || h == qualified {
			return true
		}
	}
	return false
}

// CheckResourceTeamAccess evaluates team-scoped access. With no grants
// on the resource the decision falls back to the caller's global rule
// access; a teamOnly overlay removes that fallback entirely. A manage
// grant implies read: a team trusted to change a resource can always
// see it.
func (e *Evaluator) CheckResourceTeamAccess(ctx context.Context, user *plugin.User, resourceType, resourceID string, action plugin.ResourceAction, hasGlobalAccess bool) (bool, error) {
	fullType := resourceType
	if !strings.Contains(resourceType, ".") {
		fullType = e.namespace + "." + resourceType
	}

	teamOnly, err := e.store.TeamOnly(ctx, fullType, resourceID)
	if err != nil {
		return false, err
	}
	grants, err := e.store.TeamGrants(ctx, fullType, resourceID)
	if err != nil {
		return false, err
	}

	if len(grants) == 0 {
		if teamOnly {
			return false, nil
		}
		return hasGlobalAccess, nil
	}

	var teams []string
	if user != nil {
		teams = user.TeamIDs
	}
	for _, g := range grants {
		if !slices.Contains(teams, g.TeamID) {
			continue
		}
		switch action {
		case plugin.ActionManage:
			if g.CanManage {
				return true, nil
			}
		default:
			if g.CanRead || g.CanManage {
				return true, nil
			}
		}
	}

	if teamOnly {
		return false, nil
	}
	return hasGlobalAccess, nil
}

// AccessibleResourceIDs filters ids to those the caller may act on,
// preserving input order.
func (e *Evaluator) AccessibleResourceIDs(ctx context.Context, user *plugin.User, resourceType string, resourceIDs []string, action plugin.ResourceAction, hasGlobalAccess bool) ([]string, error) {
	var out []string
	for _, id := range resourceIDs {
		ok, err := e.CheckResourceTeamAccess(ctx, user, resourceType, id, action, hasGlobalAccess)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
