package ws

import "time"

// SignalType discriminates messages on the signals channel.
type SignalType string

const (
	SignalPluginInstalled    SignalType = "PLUGIN_INSTALLED"
	SignalPluginDeregistered SignalType = "PLUGIN_DEREGISTERED"
)

// Signal is the envelope for every message pushed to signal clients.
type Signal struct {
	Type      SignalType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data"`
}

// PluginSignalData is the payload for plugin lifecycle signals.
type PluginSignalData struct {
	PluginID string `json:"pluginId"`
}
