package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fundline/dealcall/internal/hub"
	"github.com/fundline/dealcall/internal/room"
	"github.com/fundline/dealcall/internal/signal"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 256 * 1024
)

func encodeEnvelope(env signal.Envelope) ([]byte, bool) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, false
	}
	return b, true
}

// wsSessionUser resolves the session user for a websocket request. Browsers
// cannot set headers on websocket upgrades, so the token is also accepted as
// a query parameter.
func (h *Handlers) wsSessionUser(c *gin.Context) (string, bool) {
	tokenString := ""
	if header := c.GetHeader("Authorization"); header != "" {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	}
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		return "", false
	}
	userID, err := h.parseSessionToken(tokenString)
	if err != nil {
		return "", false
	}
	return userID, true
}

// HandleWebSocket admits a participant to a deal's call room and relays
// signaling between the two occupants. Admission errors are reported over
// plain HTTP before the upgrade: 401 without a session, 403 for a token that
// does not belong to the caller, 404 when no call was initiated, 409 when the
// room already has two participants.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID, ok := h.wsSessionUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	claims, err := h.parseRoomToken(c.Query("room_token"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid room token"})
		return
	}
	if claims.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "room token does not belong to this user"})
		return
	}

	now := h.nowFn()
	peerID, otherPresent, reconnected, err := h.rooms.Join(claims.DealID, userID, claims.Role, now)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomFull):
			c.JSON(http.StatusConflict, gin.H{"error": "room already has two participants"})
		case errors.Is(err, room.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress for this deal"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "deal_id", claims.DealID, "error", err)
		h.rooms.MarkDisconnected(claims.DealID, peerID, h.nowFn())
		return
	}

	client := hub.NewClient(conn, claims.DealID, peerID)
	h.hub.Add(client)

	h.logger.Info("participant joined room",
		"deal_id", claims.DealID, "peer_id", peerID, "role", claims.Role,
		"peer_present", otherPresent, "reconnect", reconnected)

	ack := signal.JoinAck{
		PeerID:      peerID,
		Role:        string(claims.Role),
		CanRecord:   claims.CanRecord,
		IsReconnect: reconnected,
	}
	ackType := signal.TypeJoined
	if otherPresent {
		// The newcomer answers; the occupant already present makes the offer.
		ackType = signal.TypePeerReady
	}
	if payload, ok := encodeEnvelope(signal.Envelope{Type: ackType, Data: signal.MustMarshal(ack)}); ok {
		client.TrySend(payload)
	}
	if otherPresent {
		if payload, ok := encodeEnvelope(signal.Envelope{Type: signal.TypePeerJoined, From: peerID}); ok {
			h.hub.SendToOther(claims.DealID, peerID, payload)
		}
	}

	go h.writePump(client, conn)
	go h.readPump(client, conn)
}

func (h *Handlers) writePump(client *hub.Client, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Outbound():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) readPump(client *hub.Client, conn *websocket.Conn) {
	defer func() {
		h.disconnect(client)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read error",
					"deal_id", client.DealID, "peer_id", client.PeerID, "error", err)
			}
			return
		}

		switch env.Type {
		case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
			h.relay(client, env)
		case signal.TypeChatMessage:
			h.relayChat(client, env)
		case signal.TypeLeave:
			return
		case signal.TypePing:
			// keepalive only
		default:
			h.sendError(client, "unknown message type")
		}
	}
}

// relay forwards a signaling envelope to the room's other occupant verbatim,
// stamping the sender's peer id.
func (h *Handlers) relay(client *hub.Client, env signal.Envelope) {
	env.From = client.PeerID
	payload, ok := encodeEnvelope(env)
	if !ok {
		return
	}
	if !h.hub.SendToOther(client.DealID, client.PeerID, payload) {
		h.logger.Debug("dropped signal with no peer present",
			"deal_id", client.DealID, "type", env.Type)
	}
}

func (h *Handlers) relayChat(client *hub.Client, env signal.Envelope) {
	var msg signal.Chat
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		h.sendError(client, "malformed chat message")
		return
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return
	}
	if utf8.RuneCountInString(msg.Text) > signal.MaxChatLength {
		h.sendError(client, "chat message too long")
		return
	}
	msg.Timestamp = h.nowFn().Unix()

	env.From = client.PeerID
	env.Data = signal.MustMarshal(msg)
	if payload, ok := encodeEnvelope(env); ok {
		h.hub.SendToOther(client.DealID, client.PeerID, payload)
	}
}

func (h *Handlers) sendError(client *hub.Client, message string) {
	payload, ok := encodeEnvelope(signal.Envelope{
		Type: signal.TypeError,
		Data: signal.MustMarshal(signal.ErrorData{Message: message}),
	})
	if ok {
		client.TrySend(payload)
	}
}

// disconnect removes the client from the hub, keeps its room slot reserved
// for a reconnect, and tells the remaining occupant the peer is gone. A
// connection the hub already replaced with a reconnect cleans up silently:
// the peer is still live on the new socket and must not be marked gone.
func (h *Handlers) disconnect(client *hub.Client) {
	if !h.hub.Remove(client) {
		h.logger.Debug("superseded connection closed",
			"deal_id", client.DealID, "peer_id", client.PeerID)
		return
	}
	h.rooms.MarkDisconnected(client.DealID, client.PeerID, h.nowFn())

	if payload, ok := encodeEnvelope(signal.Envelope{Type: signal.TypePeerLeft, From: client.PeerID}); ok {
		h.hub.SendToOther(client.DealID, client.PeerID, payload)
	}
	h.logger.Info("participant left room", "deal_id", client.DealID, "peer_id", client.PeerID)
}
