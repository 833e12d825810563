package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/fundline/dealcall/internal/config"
	"github.com/fundline/dealcall/internal/hub"
	"github.com/fundline/dealcall/internal/models"
	"github.com/fundline/dealcall/internal/room"
	"github.com/fundline/dealcall/internal/signal"
)

type wsFixture struct {
	srv    *httptest.Server
	h      *Handlers
	deal   models.Deal
	seller models.User
	lender models.User
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Deal{}, &models.CallRecord{}, &models.PushSubscription{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	seller := models.User{Username: "seller", PasswordHash: string(hash)}
	lender := models.User{Username: "lender", PasswordHash: string(hash)}
	if err := db.Create(&seller).Error; err != nil {
		t.Fatalf("create seller: %v", err)
	}
	if err := db.Create(&lender).Error; err != nil {
		t.Fatalf("create lender: %v", err)
	}
	deal := models.Deal{Reference: "INV-1", SellerID: seller.ID, LenderID: lender.ID}
	if err := db.Create(&deal).Error; err != nil {
		t.Fatalf("create deal: %v", err)
	}

	cfg := &config.Config{
		JWTSecret:     "test-secret",
		RecordingsDir: t.TempDir(),
		VAPIDKeys:     &config.VAPIDKeys{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(cfg, db, room.NewStore(), hub.New(), nil, nil, logger)

	router := gin.New()
	router.GET("/ws/call", h.HandleWebSocket)
	api := router.Group("/api", h.AuthMiddleware())
	api.POST("/deals/:id/call", h.StartCall)
	api.DELETE("/deals/:id/call", h.EndCall)
	api.GET("/deals/:id/call", h.GetCallStatus)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, h: h, deal: deal, seller: seller, lender: lender}
}

func (f *wsFixture) startCall(t *testing.T, userID string) string {
	t.Helper()
	session, err := f.h.generateSessionToken(userID)
	if err != nil {
		t.Fatalf("session token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/deals/"+f.deal.ID+"/call", nil)
	req.Header.Set("Authorization", "Bearer "+session)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("start call status = %d", resp.StatusCode)
	}
	var body struct {
		RoomToken string `json:"room_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode start call: %v", err)
	}
	return body.RoomToken
}

func (f *wsFixture) dial(t *testing.T, userID, roomToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	session, err := f.h.generateSessionToken(userID)
	if err != nil {
		t.Fatalf("session token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/call?room_token=" + roomToken
	header := http.Header{"Authorization": {"Bearer " + session}}
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env signal.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestJoinProtocolAssignsRoles(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()

	env := readEnvelope(t, sellerConn)
	if env.Type != signal.TypeJoined {
		t.Fatalf("first joiner got %q, want joined", env.Type)
	}

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	defer lenderConn.Close()

	env = readEnvelope(t, lenderConn)
	if env.Type != signal.TypePeerReady {
		t.Fatalf("second joiner got %q, want peer-ready", env.Type)
	}
	var ack signal.JoinAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.CanRecord {
		t.Error("lender ack should carry the recording privilege")
	}

	env = readEnvelope(t, sellerConn)
	if env.Type != signal.TypePeerJoined {
		t.Fatalf("occupant got %q, want peer-joined", env.Type)
	}
}

func TestThirdSocketIsRejected(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()
	readEnvelope(t, sellerConn)

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	defer lenderConn.Close()
	readEnvelope(t, lenderConn)

	// A room token never reaches a third user, so simulate a stolen lender
	// token presented by an outsider and a failed rebind.
	outsider := models.User{Username: "outsider", PasswordHash: "x"}
	if err := f.h.db.Create(&outsider).Error; err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	_, resp, err := f.dial(t, outsider.ID, lenderToken)
	if err == nil {
		t.Fatal("expected dial with someone else's room token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestReconnectDoesNotDropLivePeer(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()
	readEnvelope(t, sellerConn)

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	readEnvelope(t, lenderConn)
	readEnvelope(t, sellerConn) // peer-joined

	// Page reload: the lender dials again with the same token. The hub
	// replaces the old socket, whose cleanup must not report the peer gone.
	lenderConn2, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender redial: %v", err)
	}
	defer lenderConn2.Close()
	env := readEnvelope(t, lenderConn2)
	if env.Type != signal.TypePeerReady {
		t.Fatalf("reconnecting lender got %q, want peer-ready", env.Type)
	}

	env = readEnvelope(t, sellerConn)
	if env.Type != signal.TypePeerJoined {
		t.Fatalf("seller got %q, want peer-joined for the reconnect", env.Type)
	}

	// The replaced socket's read pump has exited by now; the seller must not
	// see a peer-left while the lender is live on the new socket.
	sellerConn.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	var stray signal.Envelope
	if err := sellerConn.ReadJSON(&stray); err == nil {
		t.Fatalf("seller received %q although the peer reconnected", stray.Type)
	}
}

func TestLeaveNotifiesOtherPeer(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()
	readEnvelope(t, sellerConn)

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	defer lenderConn.Close()
	readEnvelope(t, lenderConn)
	readEnvelope(t, sellerConn) // peer-joined

	if err := lenderConn.WriteJSON(signal.Envelope{Type: signal.TypeLeave}); err != nil {
		t.Fatalf("send leave: %v", err)
	}

	env := readEnvelope(t, sellerConn)
	if env.Type != signal.TypePeerLeft {
		t.Fatalf("seller got %q, want peer-left after the lender leaves", env.Type)
	}
}

func TestSignalsRelayToOtherPeerOnly(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()
	readEnvelope(t, sellerConn)

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	defer lenderConn.Close()
	readEnvelope(t, lenderConn)
	readEnvelope(t, sellerConn) // peer-joined

	offer := signal.Envelope{
		Type: signal.TypeOffer,
		Data: signal.MustMarshal(signal.SessionDescription{SDP: "v=0\r\n"}),
	}
	if err := sellerConn.WriteJSON(offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	env := readEnvelope(t, lenderConn)
	if env.Type != signal.TypeOffer {
		t.Fatalf("lender got %q, want offer", env.Type)
	}
	if env.From == "" {
		t.Error("relayed envelope should carry the sender peer id")
	}
}

func TestChatRelayEnforcesLengthCap(t *testing.T) {
	f := newWSFixture(t)
	sellerToken := f.startCall(t, f.seller.ID)
	lenderToken := f.startCall(t, f.lender.ID)

	sellerConn, _, err := f.dial(t, f.seller.ID, sellerToken)
	if err != nil {
		t.Fatalf("seller dial: %v", err)
	}
	defer sellerConn.Close()
	readEnvelope(t, sellerConn)

	lenderConn, _, err := f.dial(t, f.lender.ID, lenderToken)
	if err != nil {
		t.Fatalf("lender dial: %v", err)
	}
	defer lenderConn.Close()
	readEnvelope(t, lenderConn)
	readEnvelope(t, sellerConn)

	long := strings.Repeat("a", signal.MaxChatLength+1)
	sellerConn.WriteJSON(signal.Envelope{
		Type: signal.TypeChatMessage,
		Data: signal.MustMarshal(signal.Chat{Text: long}),
	})
	env := readEnvelope(t, sellerConn)
	if env.Type != signal.TypeError {
		t.Fatalf("sender got %q, want error for oversized chat", env.Type)
	}

	sellerConn.WriteJSON(signal.Envelope{
		Type: signal.TypeChatMessage,
		Data: signal.MustMarshal(signal.Chat{Text: "  can you hear me?  "}),
	})
	env = readEnvelope(t, lenderConn)
	if env.Type != signal.TypeChatMessage {
		t.Fatalf("peer got %q, want chat-message", env.Type)
	}
	var msg signal.Chat
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if msg.Text != "can you hear me?" {
		t.Errorf("chat text = %q, want trimmed payload", msg.Text)
	}
}
