// Package signaling implements the bidirectional text-framed socket to a
// broadcast signaling endpoint: it starts the watching session, keeps the
// seat alive, answers pings, and reports the NDGR view endpoint once the
// server announces it.
package signaling

import "encoding/json"

// Message types exchanged with the signaling server.
const (
	// TypeStartWatching opens a viewing session.
	TypeStartWatching = "startWatching"
	// TypeKeepSeat keeps the seat reserved; sent every 30 seconds and in
	// reply to seat acknowledgements.
	TypeKeepSeat = "keepSeat"
	// TypePing is sent by the server; answered with TypePong.
	TypePing = "ping"
	// TypePong is the reply to a server ping.
	TypePong = "pong"
	// TypeSeat acknowledges the seat; answered with keepSeat.
	TypeSeat = "seat"
	// TypeRoom announces room details, sometimes carrying the view endpoint.
	TypeRoom = "room"
	// TypeMessageServer announces the message server, carrying the view endpoint.
	TypeMessageServer = "messageServer"
	// TypeAkashic announces the out-of-band experimental endpoint; ignored.
	TypeAkashic = "akashicMessageServer"
	// TypeDisconnect terminates the session with a reason.
	TypeDisconnect = "disconnect"
)

// request is a message sent to the signaling server.
type request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// response is a message received from the signaling server.
type response struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// startWatchingData is the fixed payload of the start request.
type startWatchingData struct {
	Stream    streamOptions `json:"stream"`
	Room      roomOptions   `json:"room"`
	Reconnect bool          `json:"reconnect"`
}

type streamOptions struct {
	Quality   string `json:"quality"`
	Protocol  string `json:"protocol"`
	Latency   string `json:"latency"`
	ChasePlay bool   `json:"chasePlay"`
}

type roomOptions struct {
	Protocol    string `json:"protocol"`
	Commentable bool   `json:"commentable"`
}

// disconnectData carries the server's reason for ending the session.
type disconnectData struct {
	Reason string `json:"reason"`
}
