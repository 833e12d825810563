package models

import "time"

// RoomStatus is the lifecycle state of a call room.
// Keep values stable because they are part of the public API.
type RoomStatus string

const (
	RoomStatusWaiting RoomStatus = "waiting"
	RoomStatusActive  RoomStatus = "active"
	RoomStatusEnded   RoomStatus = "ended"
)

// RoomParticipant is one occupant slot of a call room.
type RoomParticipant struct {
	PeerID         string    `json:"peer_id"`
	UserID         string    `json:"-"`
	Role           DealRole  `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
	DisconnectedAt time.Time `json:"-"`
	IsPresent      bool      `json:"is_present"`
	ReconnectCount int       `json:"-"`
}

// Room is the in-memory pairing state for one deal's call. At most one Room
// exists per deal at any time, and a Room never holds more than two occupants.
type Room struct {
	DealID       string          `json:"deal_id"`
	Status       RoomStatus      `json:"status"`
	CallRecordID string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	First        RoomParticipant `json:"-"`
	Second       RoomParticipant `json:"-"`
}

func (r *Room) ParticipantsCount() int {
	count := 0
	if r.First.IsPresent {
		count++
	}
	if r.Second.IsPresent {
		count++
	}
	return count
}

// ParticipantByPeer returns the slot with the given peer ID, or nil.
func (r *Room) ParticipantByPeer(peerID string) *RoomParticipant {
	if peerID == "" {
		return nil
	}
	switch peerID {
	case r.First.PeerID:
		return &r.First
	case r.Second.PeerID:
		return &r.Second
	}
	return nil
}
