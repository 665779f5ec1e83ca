package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newRelayServer(t *testing.T, hub *Hub, opts ConnOptions) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		connOpts := opts
		if room := r.URL.Query().Get("room"); room != "" {
			connOpts.InitialRooms = []string{room}
		}
		_ = hub.ServeConn(r.Context(), ws, connOpts)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/" + query
}

func waitForMembers(t *testing.T, hub *Hub, room string, members int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, stat := range hub.Stats() {
			if stat.RoomID == room && stat.Members == members {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d members: %+v", room, members, hub.Stats())
}

func TestWebsocketRelayRoundTrip(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := newRelayServer(t, hub, ConnOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := Dial(ctx, wsURL(server, "?room=canvas"), ClientOptions{})
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, err := Dial(ctx, wsURL(server, ""), ClientOptions{})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()
	if err := bob.Join(ctx, "canvas"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitForMembers(t, hub, "canvas", 2)

	if err := alice.Publish(ctx, update("canvas", "participant-alice", `[{"id":"e1","type":"rectangle"}]`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-bob.Updates():
		if got.SenderID != "participant-alice" || string(got.Elements) != `[{"id":"e1","type":"rectangle"}]` {
			t.Fatalf("unexpected update %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("bob never received the update")
	}
	select {
	case got := <-alice.Updates():
		t.Fatalf("sender received its own update %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	if err := bob.Close(); err != nil {
		t.Fatalf("close bob: %v", err)
	}
	waitForMembers(t, hub, "canvas", 1)
}

func TestWebsocketRejectsInvalidFrames(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := newRelayServer(t, hub, ConnOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"event":"canvas-update","roomId":"r"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Message
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Event != EventError || reply.Message == "" {
		t.Fatalf("expected error frame, got %+v", reply)
	}

	if err := wsjson.Write(ctx, ws, Message{Event: EventUpdate, RoomID: "not-joined", Elements: []byte(`[]`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Event != EventError || !strings.Contains(reply.Message, "not a member") {
		t.Fatalf("expected membership error, got %+v", reply)
	}
}

func TestWebsocketGrantLimitsJoins(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := newRelayServer(t, hub, ConnOptions{Grant: &Grant{Rooms: []string{"allowed"}}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	if err := wsjson.Write(ctx, ws, Message{Event: EventJoin, RoomID: "secret"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Message
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Event != EventError || !strings.Contains(reply.Message, "not allowed") {
		t.Fatalf("expected forbidden error, got %+v", reply)
	}
	if err := wsjson.Write(ctx, ws, Message{Event: EventJoin, RoomID: "allowed"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForMembers(t, hub, "allowed", 1)
	if hub.IsMember(nil, "secret") || len(hub.Stats()) != 1 {
		t.Fatalf("unexpected rooms %+v", hub.Stats())
	}
}
