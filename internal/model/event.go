package model

import "time"

// EventKind discriminates the three outbound event shapes.
type EventKind string

const (
	// EventStatus is a transient human-readable status line.
	EventStatus EventKind = "status"
	// EventMessage is a normalized chat message.
	EventMessage EventKind = "message"
	// EventConnections is a snapshot of live handles after any change.
	EventConnections EventKind = "connections"
)

// EmoteRange is a [start, end] rune range within the message text.
type EmoteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// NormalizedEvent is one chat message in the service-independent shape.
type NormalizedEvent struct {
	ConnectionID string                  `json:"connectionId"`
	Source       Source                  `json:"source"`
	User         string                  `json:"user"`
	Text         string                  `json:"text"`
	Badges       map[string]string       `json:"badges,omitempty"`
	Emotes       map[string][]EmoteRange `json:"emotes,omitempty"`
}

// Event is one entry on the outbound stream to the host. Exactly the
// field matching Kind is populated. Status events carry a per-connection
// monotonic timestamp.
type Event struct {
	Kind        EventKind          `json:"kind"`
	Time        time.Time          `json:"time"`
	Status      string             `json:"status,omitempty"`
	Message     *NormalizedEvent   `json:"message,omitempty"`
	Connections []ConnectionHandle `json:"connections,omitempty"`
}

// StatusEvent builds a status event stamped now.
func StatusEvent(text string) Event {
	return Event{Kind: EventStatus, Time: time.Now(), Status: text}
}

// MessageEvent wraps a normalized chat message.
func MessageEvent(msg *NormalizedEvent) Event {
	return Event{Kind: EventMessage, Time: time.Now(), Message: msg}
}

// ConnectionsEvent wraps a snapshot of live handles.
func ConnectionsEvent(handles []ConnectionHandle) Event {
	return Event{Kind: EventConnections, Time: time.Now(), Connections: handles}
}
