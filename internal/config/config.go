// Package config adapts Viper to the plugin.Config interface, including
// the per-plugin sub-configs the lifecycle manager hands out.
package config

import (
	"time"

	"github.com/coreplane/coreplane/pkg/plugin"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig implements plugin.Config over a shared Viper instance.
// Sub-configs are key prefixes on the same instance rather than detached
// viper.Sub copies: a detached copy loses defaults and environment
// bindings, so plugins.<id> sections would stop seeing CP_* overrides.
type ViperConfig struct {
	v      *viper.Viper
	prefix string
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to plugin.Config where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "." + k
}

func (c *ViperConfig) Unmarshal(target any) error {
	if c.prefix == "" {
		return c.v.Unmarshal(target)
	}
	return c.v.UnmarshalKey(c.prefix, target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(c.key(key))
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(c.key(key))
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(c.key(key))
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(c.key(key))
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(c.key(key))
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(c.key(key))
}

func (c *ViperConfig) Sub(key string) plugin.Config {
	return &ViperConfig{v: c.v, prefix: c.key(key)}
}
