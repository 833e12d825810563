package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fundline/dealcall/internal/models"
)

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// SubscribePush stores a browser push subscription for ring notifications.
// Re-subscribing with a known endpoint rebinds it to the current user.
func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription"})
		return
	}

	var sub models.PushSubscription
	err := h.db.Where("endpoint = ?", req.Endpoint).First(&sub).Error
	if err == nil {
		sub.UserID = userID
		sub.P256DH = req.Keys.P256DH
		sub.Auth = req.Keys.Auth
		if err := h.db.Save(&sub).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
		return
	}

	sub = models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}
	if err := h.db.Create(&sub).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// UnsubscribePush removes the subscription for the given endpoint.
func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	h.db.Where("user_id = ? AND endpoint = ?", userID, req.Endpoint).Delete(&models.PushSubscription{})
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}

// GetVAPIDPublicKey exposes the key browsers need to subscribe.
func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.cfg.VAPIDKeys.PublicKey})
}
