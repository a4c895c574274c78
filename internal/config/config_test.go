package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestSub_ResolvesAgainstRoot(t *testing.T) {
	v := viper.New()
	v.Set("plugins.queue.backend", "redis")
	v.Set("plugins.queue.poll_interval", "5s")

	cfg := New(v).Sub("plugins").Sub("queue")

	if got := cfg.GetString("backend"); got != "redis" {
		t.Errorf("backend = %q, want %q", got, "redis")
	}
	if got := cfg.GetDuration("poll_interval"); got != 5*time.Second {
		t.Errorf("poll_interval = %v, want 5s", got)
	}
	if !cfg.IsSet("backend") {
		t.Error("IsSet(backend) = false, want true")
	}
	if cfg.IsSet("missing") {
		t.Error("IsSet(missing) = true, want false")
	}
}

// Detached viper.Sub copies drop defaults; the prefix form must not.
func TestSub_SeesRootDefaults(t *testing.T) {
	v := viper.New()
	v.SetDefault("plugins.queue.backend", "redis")

	cfg := New(v).Sub("plugins.queue")

	if got := cfg.GetString("backend"); got != "redis" {
		t.Errorf("backend through Sub = %q, want default %q", got, "redis")
	}
}

func TestSub_MissingSectionReadsZeroValues(t *testing.T) {
	cfg := New(viper.New()).Sub("plugins.unknown")

	if got := cfg.GetString("anything"); got != "" {
		t.Errorf("GetString on empty section = %q, want \"\"", got)
	}
	if cfg.GetBool("enabled") {
		t.Error("GetBool on empty section = true, want false")
	}
	if got := cfg.GetInt("count"); got != 0 {
		t.Errorf("GetInt on empty section = %d, want 0", got)
	}
}

func TestUnmarshal_ScopedToPrefix(t *testing.T) {
	v := viper.New()
	v.Set("plugins.queue.backend", "redis")
	v.Set("plugins.queue.workers", 4)

	var got struct {
		Backend string `mapstructure:"backend"`
		Workers int    `mapstructure:"workers"`
	}
	if err := New(v).Sub("plugins.queue").Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Backend != "redis" || got.Workers != 4 {
		t.Errorf("unmarshaled = %+v, want {redis 4}", got)
	}
}
