package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisBusFansOutAcrossHubs(t *testing.T) {
	server := miniredis.RunT(t)
	newBus := func() *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisBus(client, RedisBusOptions{})
	}
	busA, busB := newBus(), newBus()
	if busA.NodeID() == busB.NodeID() {
		t.Fatalf("expected distinct node ids")
	}
	hubA := NewHub(HubOptions{Bus: busA})
	hubB := NewHub(HubOptions{Bus: busB})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hubA.RunBus(ctx) }()
	go func() { _ = hubB.RunBus(ctx) }()
	for _, bus := range []*RedisBus{busA, busB} {
		select {
		case <-bus.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("bus never subscribed")
		}
	}

	sender, localPeer := newFakePeer("sender", 4), newFakePeer("local", 4)
	remotePeer, otherRoom := newFakePeer("remote", 4), newFakePeer("other", 4)
	_ = hubA.Join(sender, "canvas")
	_ = hubA.Join(localPeer, "canvas")
	_ = hubB.Join(remotePeer, "canvas")
	_ = hubB.Join(otherRoom, "elsewhere")

	if _, err := hubA.Broadcast(ctx, sender, update("canvas", "participant-s", `[{"id":"1"}]`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if msg := remotePeer.next(t); msg.SenderID != "participant-s" || msg.RoomID != "canvas" {
		t.Fatalf("unexpected remote message %+v", msg)
	}
	if msg := localPeer.next(t); msg.SenderID != "participant-s" {
		t.Fatalf("unexpected local message %+v", msg)
	}
	// The originating node skips its own bus echo.
	localPeer.expectNothing(t)
	sender.expectNothing(t)
	otherRoom.expectNothing(t)
}
