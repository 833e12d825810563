// Package hub routes signaling payloads between the websocket connections of
// one room's two occupants.
package hub

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one peer's websocket connection plus its buffered outbound queue.
type Client struct {
	Conn   *websocket.Conn
	DealID string
	PeerID string

	send      chan []byte
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, dealID, peerID string) *Client {
	return &Client{
		Conn:   conn,
		DealID: dealID,
		PeerID: peerID,
		send:   make(chan []byte, 32),
	}
}

// Outbound is read by the connection's write pump.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// TrySend queues payload without blocking. Returns false when the queue is
// full or already closed; the caller decides whether to drop the connection.
func (c *Client) TrySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// close tears down both the websocket and the send queue. Conn may be nil in
// tests that exercise routing without a live socket.
func (c *Client) close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
	c.CloseSend()
}

// Hub maps deal rooms to their connected peers.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client // dealID -> peerID -> client
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.rooms[client.DealID]
	if !ok {
		peers = make(map[string]*Client)
		h.rooms[client.DealID] = peers
	}

	// Replace an existing connection for the same peer ID (page reload).
	if old := peers[client.PeerID]; old != nil {
		old.close()
	}

	peers[client.PeerID] = client
}

// Remove drops the client only if it is still the registered connection for
// its peer ID, so a replaced connection's cleanup cannot evict its successor.
// Returns whether the client was the current registration; a superseded
// connection's caller must not treat the peer as gone.
func (h *Hub) Remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.rooms[client.DealID]
	if !ok {
		return false
	}

	removed := false
	if current, exists := peers[client.PeerID]; exists && current == client {
		current.CloseSend()
		delete(peers, client.PeerID)
		removed = true
	}
	if len(peers) == 0 {
		delete(h.rooms, client.DealID)
	}
	return removed
}

func (h *Hub) SendTo(dealID, peerID string, payload []byte) bool {
	h.mu.Lock()
	client := h.rooms[dealID][peerID]
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.TrySend(payload) {
		client.close()
		return false
	}
	return true
}

// SendToOther relays payload to the room's other occupant, if connected.
func (h *Hub) SendToOther(dealID, fromPeerID string, payload []byte) bool {
	h.mu.Lock()
	var other *Client
	for peerID, client := range h.rooms[dealID] {
		if peerID == fromPeerID {
			continue
		}
		other = client
		break
	}
	h.mu.Unlock()

	if other == nil {
		return false
	}
	if !other.TrySend(payload) {
		other.close()
		return false
	}
	return true
}

func (h *Hub) Broadcast(dealID string, payload []byte) {
	h.mu.Lock()
	var clients []*Client
	for _, client := range h.rooms[dealID] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.TrySend(payload) {
			client.close()
		}
	}
}

// CloseRoom disconnects every occupant and forgets the room.
func (h *Hub) CloseRoom(dealID string) {
	h.mu.Lock()
	peers, ok := h.rooms[dealID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, dealID)
	h.mu.Unlock()

	for _, client := range peers {
		client.close()
	}
}
