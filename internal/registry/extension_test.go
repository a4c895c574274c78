package registry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

func TestExtensionPoints_BufferedCallsReplayInOrder(t *testing.T) {
	e := NewExtensionPoints(zap.NewNop())

	// Consumer calls before any provider registered.
	proxy := e.Get("dashboards.widgets")
	if err := proxy.Invoke(context.Background(), "add", "cpu"); err != nil {
		t.Fatalf("buffered Invoke: %v", err)
	}
	if err := proxy.Invoke(context.Background(), "add", "memory"); err != nil {
		t.Fatalf("buffered Invoke: %v", err)
	}

	var got []string
	e.Register("dashboards.widgets", plugin.ExtensionFunc(func(_ context.Context, method string, args ...any) error {
		got = append(got, args[0].(string))
		return nil
	}))

	if len(got) != 2 || got[0] != "cpu" || got[1] != "memory" {
		t.Errorf("replayed calls = %v, want [cpu memory]", got)
	}
}

func TestExtensionPoints_DirectCallAfterRegistration(t *testing.T) {
	e := NewExtensionPoints(zap.NewNop())

	called := false
	e.Register("p.ext", plugin.ExtensionFunc(func(context.Context, string, ...any) error {
		called = true
		return nil
	}))

	if err := e.Get("p.ext").Invoke(context.Background(), "m"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !called {
		t.Error("implementation not invoked")
	}
}

func TestServices_FactoryShadowsSingleton(t *testing.T) {
	s := NewServices(zap.NewNop())
	s.Register("core.db", "global")
	s.RegisterFactory("core.db", func(requester plugin.Info) (any, error) {
		return "scoped:" + requester.Name, nil
	})

	got, err := s.Get("core.db", plugin.Info{Name: "monitoring"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "scoped:monitoring" {
		t.Errorf("Get = %v, want scoped view", got)
	}
}
