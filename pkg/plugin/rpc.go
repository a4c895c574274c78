package plugin

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// ExtensionPointRef identifies an extension point.
type ExtensionPointRef string

// ExtensionPoint lets consumer plugins inject capability into a provider
// plugin whose init order is not fixed. Calls made before the provider
// registers are buffered by the host and replayed in arrival order.
type ExtensionPoint interface {
	Invoke(ctx context.Context, method string, args ...any) error
}

// ExtensionFunc adapts a function to the ExtensionPoint interface.
type ExtensionFunc func(ctx context.Context, method string, args ...any) error

// Invoke implements ExtensionPoint.
func (f ExtensionFunc) Invoke(ctx context.Context, method string, args ...any) error {
	return f(ctx, method, args...)
}

// ProcedureFunc handles one RPC call. Input is the raw JSON request body;
// the returned value is JSON-encoded into the response.
type ProcedureFunc func(ctx context.Context, rc *RequestContext, input json.RawMessage) (any, error)

// Procedure is one operation in a plugin's RPC router. AccessRules are
// local ids; the host qualifies them and verifies at boot that each one
// was declared via RegisterAccessRules.
type Procedure struct {
	Name        string // Path segment below /api/<pluginId>/
	Method      string // HTTP method; defaults to POST
	Summary     string
	UserType    UserType // Empty means any authenticated or anonymous caller
	AccessRules []string // Required rules; empty means public
	Handler     ProcedureFunc
}

// Router is a plugin's RPC surface plus its contract metadata.
type Router struct {
	Procedures []Procedure
}

// RequestContext is assembled per request for /api/<pluginId>/ dispatch.
type RequestContext struct {
	Plugin   Info
	Logger   *zap.Logger
	DB       ScopedDB
	Auth     AuthView
	Fetch    FetchClient
	Health   HealthRegistry
	QueueReg QueuePluginRegistry
	Queue    QueueManager
	User     *User // nil when anonymous
	EmitHook func(ctx context.Context, hook Hook, payload any) error
}
