package plugin

import (
	"context"
	"time"
)

// Hook is a typed event identifier carried by the event bus.
type Hook string

// Lifecycle hooks emitted by the host.
const (
	HookPluginInitialized             Hook = "pluginInitialized"
	HookAccessRulesRegistered         Hook = "accessRulesRegistered"
	HookPluginInstallationRequested   Hook = "pluginInstallationRequested"
	HookPluginInstalling              Hook = "pluginInstalling"
	HookPluginInstalled               Hook = "pluginInstalled"
	HookPluginDeregistrationRequested Hook = "pluginDeregistrationRequested"
	HookPluginDeregistering           Hook = "pluginDeregistering"
	HookPluginDeregistered            Hook = "pluginDeregistered"
	HookUserDeleted                   Hook = "userDeleted"
)

// DeliveryMode selects how a subscription receives events.
type DeliveryMode int

const (
	// ModeWorkQueue delivers each event to exactly one subscriber within
	// the worker group <pluginId>.<group>, across all process instances.
	ModeWorkQueue DeliveryMode = iota

	// ModeBroadcast delivers each event to every subscriber on every
	// process instance.
	ModeBroadcast

	// ModeLocal dispatches in-process only; the broker is not involved.
	ModeLocal
)

// Event is a delivered hook occurrence.
type Event struct {
	Hook      Hook      `json:"hook"`
	Source    string    `json:"source"` // Emitting plugin or "core"
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"` // JSON-encoded payload
}

// Listener processes events. A non-nil error in work-queue mode triggers
// the broker's retry policy; in local mode it is logged and dropped.
type Listener func(ctx context.Context, event Event) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Mode        DeliveryMode
	WorkerGroup string // Required for ModeWorkQueue; namespaced by plugin id
	MaxRetries  int    // Work-queue retry bound; 0 means the bus default
}

// EventBus carries named events between plugins and core.
type EventBus interface {
	// Subscribe registers a listener. Fails with ErrInvalidConfig when
	// mode is work-queue and WorkerGroup is empty, or when the same
	// <pluginId>.<group> pair is already registered for the hook.
	Subscribe(pluginID string, hook Hook, listener Listener, opts SubscribeOptions) (unsubscribe func(), err error)

	// Emit enqueues an event on the broker, returning once persisted.
	Emit(ctx context.Context, hook Hook, payload any) error

	// EmitLocal dispatches synchronously in-process. Listener failures are
	// logged and never propagate; every listener runs.
	EmitLocal(ctx context.Context, hook Hook, payload any)

	// Shutdown stops every worker and closes broker connections. Further
	// emits fail.
	Shutdown(ctx context.Context) error
}
