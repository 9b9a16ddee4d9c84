package model

import "fmt"

// Source identifies which chat service a connection belongs to.
type Source string

const (
	// SourceTwitch is the IRC-over-WebSocket chat service.
	SourceTwitch Source = "twitch"
	// SourceNiconico is the Japanese live-broadcast service.
	SourceNiconico Source = "niconico"
)

// ConnectionStatus tracks a connection through its lifecycle.
type ConnectionStatus string

const (
	StatusIdle             ConnectionStatus = "idle"
	StatusFetchingHTML     ConnectionStatus = "fetching-html"
	StatusSignalingOpening ConnectionStatus = "signaling-opening"
	StatusSignalingOpen    ConnectionStatus = "signaling-open"
	StatusViewPolling      ConnectionStatus = "view-polling"
	StatusSegmentRunning   ConnectionStatus = "segment-running"
	StatusConnecting       ConnectionStatus = "connecting"
	StatusConnected        ConnectionStatus = "connected"
	StatusCancelled        ConnectionStatus = "cancelled"
	StatusDisconnected     ConnectionStatus = "disconnected"
	StatusFailed           ConnectionStatus = "failed"
)

// Terminal reports whether the status ends the connection's lifecycle.
func (s ConnectionStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusDisconnected, StatusFailed:
		return true
	}
	return false
}

// ConnectionHandle describes one live connection to the host.
// Mutated only by the supervisor.
type ConnectionHandle struct {
	ID     string           `json:"id"`
	Kind   Source           `json:"kind"`
	Label  string           `json:"label"`
	Status ConnectionStatus `json:"status"`
}

// HandleID builds the globally unique connection id "<kind>:<natural-key>".
func HandleID(kind Source, key string) string {
	return fmt.Sprintf("%s:%s", kind, key)
}
