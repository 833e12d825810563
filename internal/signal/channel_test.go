package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades, captures the first inbound envelope, then replies with
// the envelopes produced by respond.
func echoServer(t *testing.T, respond func(in Envelope) []Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var in Envelope
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		for _, out := range respond(in) {
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		// hold the connection open until the client hangs up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestChannelDispatchesInArrivalOrder(t *testing.T) {
	srv := echoServer(t, func(in Envelope) []Envelope {
		return []Envelope{
			{Type: TypeJoined, Data: MustMarshal(JoinAck{PeerID: "p1", Role: "seller"})},
			{Type: TypePeerJoined},
			{Type: TypeOffer, Data: MustMarshal(SessionDescription{SDP: "v=0\r\n"})},
		}
	})
	defer srv.Close()

	ch := NewChannel(nil)
	got := make(chan string, 8)
	for _, typ := range []string{TypeJoined, TypePeerJoined, TypeOffer} {
		typ := typ
		if err := ch.On(typ, func(env Envelope) { got <- typ }); err != nil {
			t.Fatalf("On(%s): %v", typ, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Dial(ctx, srv.URL, "room-token", "session-token"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(TypeJoin, nil); err != nil {
		t.Fatalf("send join: %v", err)
	}

	want := []string{TypeJoined, TypePeerJoined, TypeOffer}
	for _, w := range want {
		select {
		case typ := <-got:
			if typ != w {
				t.Fatalf("dispatched %q, want %q", typ, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestChannelRejectsHandlerAfterDial(t *testing.T) {
	srv := echoServer(t, func(Envelope) []Envelope { return nil })
	defer srv.Close()

	ch := NewChannel(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Dial(ctx, srv.URL, "rt", "st"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if err := ch.On(TypeOffer, func(Envelope) {}); err == nil {
		t.Fatal("expected handler registration after dial to fail")
	}
}

func TestChannelSynthesizesConnectErrorOnDrop(t *testing.T) {
	// httptest.Server loses track of hijacked connections, so the websocket
	// must be severed from the handler's own conn handle.
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewChannel(nil)
	gotErr := make(chan Envelope, 1)
	ch.On(TypeConnectError, func(env Envelope) { gotErr <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Dial(ctx, srv.URL, "rt", "st"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case conn := <-serverConns:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
	}

	select {
	case env := <-gotErr:
		var data ErrorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("decode error data: %v", err)
		}
		if data.Message == "" {
			t.Error("connect-error should carry the transport error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect-error")
	}

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done should be closed after transport loss")
	}
}

func TestChannelCloseIsIdempotentAndSilent(t *testing.T) {
	srv := echoServer(t, func(Envelope) []Envelope { return nil })
	defer srv.Close()

	ch := NewChannel(nil)
	fired := make(chan struct{}, 1)
	ch.On(TypeConnectError, func(Envelope) { fired <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Dial(ctx, srv.URL, "rt", "st"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("intentional close must not synthesize connect-error")
	case <-time.After(200 * time.Millisecond):
	}

	if err := ch.Send(TypeOffer, nil); err == nil {
		t.Fatal("send after close should fail")
	}
}
