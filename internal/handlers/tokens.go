package handlers

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fundline/dealcall/internal/models"
)

// roomTokenTTL bounds how long an issued room token can be redeemed. Rejoining
// after expiry requires another initiate-call round trip.
const roomTokenTTL = 30 * time.Minute

// RoomClaims is the room token payload. A room token admits exactly one user
// to exactly one deal's call room and carries the recording privilege.
type RoomClaims struct {
	DealID    string          `json:"deal_id"`
	UserID    string          `json:"user_id"`
	Role      models.DealRole `json:"role"`
	CanRecord bool            `json:"can_record"`
	jwt.RegisteredClaims
}

func (h *Handlers) generateRoomToken(deal *models.Deal, userID string) (string, error) {
	role := deal.RoleOf(userID)
	if role == "" {
		return "", fmt.Errorf("user %s is not a party to deal %s", userID, deal.ID)
	}
	now := h.nowFn()
	claims := RoomClaims{
		DealID:    deal.ID,
		UserID:    userID,
		Role:      role,
		CanRecord: role == models.DealRoleLender,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(roomTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.cfg.JWTSecret))
}

func (h *Handlers) parseRoomToken(tokenString string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(h.nowFn))
	if err != nil {
		return nil, fmt.Errorf("parse room token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("room token invalid")
	}
	if claims.DealID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("room token missing claims")
	}
	return claims, nil
}
