package plugin

import "errors"

// Boot-time errors. All are fatal for startup.
var (
	// ErrDependencyCycle reports a cycle in the Phase 2 init graph.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrUnregisteredRule reports a router referencing an access rule the
	// plugin never declared.
	ErrUnregisteredRule = errors.New("router references an undeclared access rule")
)

// Runtime errors.
var (
	// ErrUnknownService is returned by the registry when neither a
	// singleton nor a factory exists for a ref.
	ErrUnknownService = errors.New("unknown service reference")

	// ErrInvalidConfig rejects a subscription with a missing or duplicate
	// worker group.
	ErrInvalidConfig = errors.New("invalid subscription configuration")

	// ErrIsolationViolation reports an attempt to reach the database
	// outside the schema-scoped path.
	ErrIsolationViolation = errors.New("query would bypass schema isolation")

	// ErrBrokerUnavailable reports a failed broker connection.
	ErrBrokerUnavailable = errors.New("event broker unavailable")

	// ErrCoreComponent rejects deregistration of a non-uninstallable plugin.
	ErrCoreComponent = errors.New("core components cannot be deregistered")
)

// Request-level errors, mapped to HTTP status codes at the boundary.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
)
