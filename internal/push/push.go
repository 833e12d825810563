// Package push delivers web-push notifications, mainly "incoming call" alerts
// to a deal counterparty whose browser tab is closed.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fundline/dealcall/internal/config"
	"github.com/fundline/dealcall/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"
)

type Sender struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	logger *slog.Logger
}

func NewSender(db *gorm.DB, keys *config.VAPIDKeys, logger *slog.Logger) *Sender {
	return &Sender{db: db, keys: keys, logger: logger}
}

type notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notify sends a notification to every subscription registered for userID.
// Gone-away endpoints (404/410) are pruned; other failures are logged and
// skipped, since push delivery is best-effort by design of the protocol.
func (s *Sender) Notify(userID, title, body string, data map[string]any) {
	var subs []models.PushSubscription
	if err := s.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		s.logger.Warn("push subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		s.logger.Warn("push payload marshal failed", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      s.keys.Subject,
			VAPIDPublicKey:  s.keys.PublicKey,
			VAPIDPrivateKey: s.keys.PrivateKey,
			TTL:             60,
		})
		if err != nil {
			s.logger.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			s.logger.Info("pruning dead push subscription", "user_id", userID, "subscription_id", sub.ID)
			_ = s.db.Delete(&models.PushSubscription{}, "id = ?", sub.ID).Error
		}
		_ = resp.Body.Close()
	}
}
