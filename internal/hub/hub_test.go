package hub

import "testing"

func drain(c *Client) []string {
	var got []string
	for {
		select {
		case msg := <-c.Outbound():
			got = append(got, string(msg))
		default:
			return got
		}
	}
}

func TestSendToOtherRoutesToPeerOnly(t *testing.T) {
	h := New()
	a := NewClient(nil, "deal-1", "peer-a")
	b := NewClient(nil, "deal-1", "peer-b")
	c := NewClient(nil, "deal-2", "peer-c")
	h.Add(a)
	h.Add(b)
	h.Add(c)

	if !h.SendToOther("deal-1", "peer-a", []byte("offer")) {
		t.Fatalf("expected delivery to peer-b")
	}

	if got := drain(b); len(got) != 1 || got[0] != "offer" {
		t.Fatalf("peer-b should receive the relay, got %v", got)
	}
	if got := drain(a); len(got) != 0 {
		t.Fatalf("sender must not receive its own relay, got %v", got)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("other rooms must not see the relay, got %v", got)
	}
}

func TestSendToOtherWithNoPeer(t *testing.T) {
	h := New()
	h.Add(NewClient(nil, "deal-1", "peer-a"))

	if h.SendToOther("deal-1", "peer-a", []byte("x")) {
		t.Fatalf("delivery with no other occupant should report false")
	}
}

func TestAddReplacesSamePeerConnection(t *testing.T) {
	h := New()
	old := NewClient(nil, "deal-1", "peer-a")
	h.Add(old)

	replacement := NewClient(nil, "deal-1", "peer-a")
	h.Add(replacement)

	if _, open := <-old.Outbound(); open {
		t.Fatalf("replaced client's queue should be closed")
	}

	b := NewClient(nil, "deal-1", "peer-b")
	h.Add(b)
	if !h.SendToOther("deal-1", "peer-b", []byte("hello")) {
		t.Fatalf("replacement connection should receive relays")
	}
	if got := drain(replacement); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected replacement to get the payload, got %v", got)
	}
}

func TestRemoveIgnoresStaleClient(t *testing.T) {
	h := New()
	old := NewClient(nil, "deal-1", "peer-a")
	h.Add(old)
	replacement := NewClient(nil, "deal-1", "peer-a")
	h.Add(replacement)

	// The old connection's read pump exits after replacement; its cleanup
	// must not evict the live connection.
	if h.Remove(old) {
		t.Fatalf("removing a superseded client should report false")
	}

	if !h.SendTo("deal-1", "peer-a", []byte("still-here")) {
		t.Fatalf("replacement should still be registered after stale remove")
	}

	if !h.Remove(replacement) {
		t.Fatalf("removing the current client should report true")
	}
	if h.SendTo("deal-1", "peer-a", []byte("x")) {
		t.Fatalf("removed client must not receive")
	}
}

func TestCloseRoomDisconnectsAll(t *testing.T) {
	h := New()
	a := NewClient(nil, "deal-1", "peer-a")
	b := NewClient(nil, "deal-1", "peer-b")
	h.Add(a)
	h.Add(b)

	h.CloseRoom("deal-1")

	if h.SendTo("deal-1", "peer-a", []byte("x")) {
		t.Fatalf("closed room must not deliver")
	}
	if _, open := <-a.Outbound(); open {
		t.Fatalf("peer-a queue should be closed")
	}
	if _, open := <-b.Outbound(); open {
		t.Fatalf("peer-b queue should be closed")
	}
}
