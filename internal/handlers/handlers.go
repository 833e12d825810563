// Package handlers implements the HTTP and websocket surface of the call
// service: login, call lifecycle endpoints, recording upload, TURN config,
// push subscriptions and the room signaling relay.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/fundline/dealcall/internal/config"
	"github.com/fundline/dealcall/internal/hub"
	"github.com/fundline/dealcall/internal/push"
	"github.com/fundline/dealcall/internal/room"
	"github.com/fundline/dealcall/internal/turn"
)

type Handlers struct {
	cfg    *config.Config
	db     *gorm.DB
	rooms  *room.Store
	hub    *hub.Hub
	turn   *turn.Server
	push   *push.Sender
	logger *slog.Logger

	upgrader websocket.Upgrader

	// nowFn is swapped in tests for deterministic clocks.
	nowFn func() time.Time
}

func New(cfg *config.Config, db *gorm.DB, rooms *room.Store, h *hub.Hub, turnSrv *turn.Server, pushSender *push.Sender, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		db:     db,
		rooms:  rooms,
		hub:    h,
		turn:   turnSrv,
		push:   pushSender,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		nowFn: time.Now,
	}
}
