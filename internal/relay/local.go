package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
)

// LocalLink attaches a participant to a Hub in the same process. It offers
// the same Join/Publish/Updates surface as Client.
type LocalLink struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	closed  bool
	updates chan Update
}

func NewLocalLink(hub *Hub, buffer int) *LocalLink {
	if buffer <= 0 {
		buffer = defaultPeerBuffer
	}
	return &LocalLink{
		id:      ulid.Make().String(),
		hub:     hub,
		updates: make(chan Update, buffer),
	}
}

func (l *LocalLink) ID() string {
	return l.id
}

func (l *LocalLink) Send(frame []byte) bool {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Event != EventUpdate {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.updates <- Update{RoomID: msg.RoomID, SenderID: msg.SenderID, Elements: msg.Elements}:
		return true
	default:
		return false
	}
}

func (l *LocalLink) Join(_ context.Context, roomID string) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.hub.Join(l, roomID)
}

func (l *LocalLink) Leave(_ context.Context, roomID string) error {
	l.hub.Leave(l, roomID)
	return nil
}

func (l *LocalLink) Publish(ctx context.Context, update Update) error {
	if l.isClosed() {
		return ErrClosed
	}
	_, err := l.hub.Broadcast(ctx, l, update)
	return err
}

func (l *LocalLink) Updates() <-chan Update {
	return l.updates
}

func (l *LocalLink) Close() error {
	l.hub.LeaveAll(l)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.updates)
	}
	return nil
}

func (l *LocalLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
