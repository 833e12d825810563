package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/fundline/dealcall/internal/models"
)

type registerRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Password string `json:"password" binding:"required,min=8"`
}

// Register creates a marketplace user. The full platform handles onboarding
// elsewhere; this exists so the call service can run standalone.
func (h *Handlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	user := models.User{Username: req.Username, PasswordHash: string(hash)}
	if err := h.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

type createDealRequest struct {
	Reference string `json:"reference" binding:"required"`
	Lender    string `json:"lender" binding:"required"`
}

// CreateDeal opens an invoice deal between the calling user (the seller) and
// the named lender.
func (h *Handlers) CreateDeal(c *gin.Context) {
	userID := c.GetString("user_id")

	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var lender models.User
	if err := h.db.Where("username = ?", req.Lender).First(&lender).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "lender not found"})
		return
	}
	if lender.ID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a deal needs two distinct parties"})
		return
	}

	deal := models.Deal{Reference: req.Reference, SellerID: userID, LenderID: lender.ID}
	if err := h.db.Create(&deal).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create deal"})
		return
	}
	c.JSON(http.StatusCreated, deal)
}

// ListDeals returns the deals the calling user is a party to.
func (h *Handlers) ListDeals(c *gin.Context) {
	userID := c.GetString("user_id")

	var deals []models.Deal
	if err := h.db.Where("seller_id = ? OR lender_id = ?", userID, userID).Find(&deals).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals})
}
