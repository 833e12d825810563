package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fundline/dealcall/internal/models"
	"github.com/fundline/dealcall/internal/room"
	"github.com/fundline/dealcall/internal/signal"
)

// maxRecordingUpload caps a single recording upload at 256 MiB.
const maxRecordingUpload = 256 << 20

// loadDealForUser fetches the deal and checks the caller is one of its two
// parties. Writes the error response itself and returns nil on failure.
func (h *Handlers) loadDealForUser(c *gin.Context, userID string) *models.Deal {
	dealID := c.Param("id")
	var deal models.Deal
	if err := h.db.First(&deal, "id = ?", dealID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deal not found"})
		return nil
	}
	if deal.RoleOf(userID) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this deal"})
		return nil
	}
	return &deal
}

// StartCall opens (or re-joins) the call room for a deal and returns a room
// token for the signaling channel. The first caller creates the call record
// and pushes a ring notification to the counterparty; a second call from
// either party is idempotent and returns a token for the same room.
func (h *Handlers) StartCall(c *gin.Context) {
	userID := c.GetString("user_id")
	deal := h.loadDealForUser(c, userID)
	if deal == nil {
		return
	}
	now := h.nowFn()

	existing, err := h.rooms.GetByDeal(deal.ID, now)
	if err == nil {
		token, tokenErr := h.generateRoomToken(deal, userID)
		if tokenErr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate room token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"room_token":  token,
			"room_status": existing.Status,
			"call_id":     existing.CallRecordID,
		})
		return
	}

	record := models.CallRecord{
		DealID:      deal.ID,
		StartedByID: userID,
		StartedAt:   now,
	}
	if err := h.db.Create(&record).Error; err != nil {
		h.logger.Error("failed to create call record", "deal_id", deal.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start call"})
		return
	}
	rm, err := h.rooms.Open(deal.ID, record.ID, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open room"})
		return
	}

	token, err := h.generateRoomToken(deal, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate room token"})
		return
	}

	if h.push != nil {
		go h.push.Notify(deal.Counterparty(userID), "Incoming call",
			fmt.Sprintf("Call about deal %s", deal.Reference),
			map[string]any{"deal_id": deal.ID, "call_id": record.ID})
	}

	h.logger.Info("call started", "deal_id", deal.ID, "call_id", record.ID, "user_id", userID)
	c.JSON(http.StatusCreated, gin.H{
		"room_token":  token,
		"room_status": rm.Status,
		"call_id":     record.ID,
	})
}

// EndCall tears the room down for both participants and closes the call
// record. Ending a deal with no live room is a no-op success.
func (h *Handlers) EndCall(c *gin.Context) {
	userID := c.GetString("user_id")
	deal := h.loadDealForUser(c, userID)
	if deal == nil {
		return
	}
	now := h.nowFn()

	rm, err := h.rooms.End(deal.ID, now)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ended"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end call"})
		return
	}

	if rm.CallRecordID != "" {
		updates := map[string]any{"ended_at": now, "end_reason": "hangup"}
		if err := h.db.Model(&models.CallRecord{}).Where("id = ?", rm.CallRecordID).Updates(updates).Error; err != nil {
			h.logger.Error("failed to close call record", "call_id", rm.CallRecordID, "error", err)
		}
	}

	payload, _ := encodeEnvelope(signal.Envelope{Type: signal.TypePeerLeft})
	h.hub.Broadcast(deal.ID, payload)
	h.hub.CloseRoom(deal.ID)

	h.logger.Info("call ended", "deal_id", deal.ID, "call_id", rm.CallRecordID, "user_id", userID)
	c.JSON(http.StatusOK, gin.H{"status": "ended", "call_id": rm.CallRecordID})
}

// GetCallStatus reports whether a call room exists for the deal and how many
// participants are present.
func (h *Handlers) GetCallStatus(c *gin.Context) {
	userID := c.GetString("user_id")
	deal := h.loadDealForUser(c, userID)
	if deal == nil {
		return
	}

	rm, err := h.rooms.GetByDeal(deal.ID, h.nowFn())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":       true,
		"room_status":  rm.Status,
		"call_id":      rm.CallRecordID,
		"participants": rm.ParticipantsCount(),
	})
}

// UploadRecording stores a finished call recording. Only the deal's lender
// may upload; sellers get 403 regardless of what their client claims.
func (h *Handlers) UploadRecording(c *gin.Context) {
	userID := c.GetString("user_id")
	deal := h.loadDealForUser(c, userID)
	if deal == nil {
		return
	}
	if deal.RoleOf(userID) != models.DealRoleLender {
		c.JSON(http.StatusForbidden, gin.H{"error": "recording is restricted to the lender"})
		return
	}

	callID := c.PostForm("call_id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}
	var record models.CallRecord
	if err := h.db.First(&record, "id = ? AND deal_id = ?", callID, deal.ID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	file, header, err := c.Request.FormFile("recording")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recording file is required"})
		return
	}
	defer file.Close()
	if header.Size > maxRecordingUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "recording too large"})
		return
	}

	if err := os.MkdirAll(h.cfg.RecordingsDir, 0o750); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store recording"})
		return
	}
	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".ogg"
	}
	name := fmt.Sprintf("%s-%s%s", deal.ID, record.ID, ext)
	dstPath := filepath.Join(h.cfg.RecordingsDir, name)

	dst, err := os.Create(dstPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store recording"})
		return
	}
	defer dst.Close()
	written, err := io.Copy(dst, io.LimitReader(file, maxRecordingUpload))
	if err != nil {
		os.Remove(dstPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store recording"})
		return
	}

	if err := h.db.Model(&record).Update("recording_path", dstPath).Error; err != nil {
		h.logger.Error("failed to link recording", "call_id", record.ID, "error", err)
	}

	h.logger.Info("recording stored", "deal_id", deal.ID, "call_id", record.ID, "bytes", written)
	c.JSON(http.StatusOK, gin.H{"status": "stored", "size": written})
}

// ListCalls is an operations endpoint listing live rooms, optionally filtered
// by status.
func (h *Handlers) ListCalls(c *gin.Context) {
	status := models.RoomStatus(c.DefaultQuery("status", string(models.RoomStatusActive)))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	rooms := h.rooms.ListByStatus(status, limit, h.nowFn())
	out := make([]gin.H, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, gin.H{
			"deal_id":      rm.DealID,
			"status":       rm.Status,
			"call_id":      rm.CallRecordID,
			"participants": rm.ParticipantsCount(),
			"created_at":   rm.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// GetTURNConfig returns ICE server entries for the embedded TURN server.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	if h.turn == nil {
		c.JSON(http.StatusOK, gin.H{"iceServers": []gin.H{
			{"urls": []string{"stun:stun.l.google.com:19302"}},
		}})
		return
	}
	creds := h.turn.Credentials()
	host := h.cfg.Domain
	if host == "" {
		host = c.Request.Host
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": []gin.H{
		{"urls": []string{fmt.Sprintf("stun:%s:%d", host, h.cfg.TURNPort)}},
		{
			"urls":       []string{fmt.Sprintf("turn:%s:%d", host, h.cfg.TURNPort)},
			"username":   creds.Username,
			"credential": creds.Password,
		},
	}})
}
