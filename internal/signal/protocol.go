// Package signal defines the room signaling wire contract and the client-side
// channel that speaks it. The server handlers relay these envelopes between a
// room's two occupants without inspecting SDP or candidate bodies.
package signal

import "encoding/json"

// Message types carried over a room channel. Values are part of the public
// protocol; do not rename.
const (
	// client -> server
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypePing  = "ping"

	// server -> client join outcomes
	TypeJoined     = "joined"      // you are the sole occupant
	TypePeerReady  = "peer-ready"  // a peer was already present; you answer
	TypePeerJoined = "peer-joined" // a peer just arrived; you make the offer

	// relayed between occupants
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"

	// server -> client events
	TypePeerLeft = "peer-left"
	TypeError    = "error"

	// TypeConnectError is synthesized locally when the transport drops; it
	// never appears on the wire.
	TypeConnectError = "connect-error"
)

// Envelope is the frame every channel message travels in.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinAck is the payload of joined and peer-ready.
type JoinAck struct {
	PeerID      string `json:"peer_id"`
	Role        string `json:"role"`
	CanRecord   bool   `json:"can_record"`
	IsReconnect bool   `json:"is_reconnect"`
}

// SessionDescription carries a relayed SDP offer or answer.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// Chat is the payload of chat-message. Text is capped at MaxChatLength.
type Chat struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorData is the payload of room-level error events.
type ErrorData struct {
	Message string `json:"message"`
}

// MaxChatLength is the hard cap on chat text, enforced on both ends.
const MaxChatLength = 1000

// MustMarshal is a helper for building envelope payloads that cannot fail.
func MustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
