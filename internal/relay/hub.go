package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotMember   = errors.New("peer is not a member of the room")
	ErrClosed      = errors.New("relay connection closed")
	ErrInvalidRoom = errors.New("invalid room id")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Peer is one connected participant. Send must not block; it reports false
// when the frame was dropped.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

type RoomStats struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

type HubOptions struct {
	Bus    Bus
	Logger Logger
}

// Hub tracks room membership and fans canvas updates out to the other members
// of a room. It never looks inside the element payload.
type Hub struct {
	bus    Bus
	logger Logger

	mu          sync.RWMutex
	rooms       map[string]map[Peer]struct{}
	memberships map[Peer]map[string]struct{}
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		bus:         opts.Bus,
		logger:      opts.Logger,
		rooms:       map[string]map[Peer]struct{}{},
		memberships: map[Peer]map[string]struct{}{},
	}
}

func (h *Hub) Join(peer Peer, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || peer == nil {
		return ErrInvalidRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomID]
	if members == nil {
		members = map[Peer]struct{}{}
		h.rooms[roomID] = members
	}
	members[peer] = struct{}{}
	rooms := h.memberships[peer]
	if rooms == nil {
		rooms = map[string]struct{}{}
		h.memberships[peer] = rooms
	}
	rooms[roomID] = struct{}{}
	return nil
}

func (h *Hub) Leave(peer Peer, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(peer, strings.TrimSpace(roomID))
}

// LeaveAll removes peer from every room it joined.
func (h *Hub) LeaveAll(peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.memberships[peer] {
		h.leaveLocked(peer, roomID)
	}
	delete(h.memberships, peer)
}

func (h *Hub) leaveLocked(peer Peer, roomID string) {
	if members := h.rooms[roomID]; members != nil {
		delete(members, peer)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms := h.memberships[peer]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.memberships, peer)
		}
	}
}

func (h *Hub) IsMember(peer Peer, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][peer]
	return ok
}

// Broadcast sends update to every member of the room except sender and, when
// a bus is configured, to the other relay nodes. It returns the number of
// local peers that accepted the frame.
func (h *Hub) Broadcast(ctx context.Context, sender Peer, update Update) (int, error) {
	roomID := strings.TrimSpace(update.RoomID)
	if roomID == "" {
		return 0, ErrInvalidRoom
	}
	if !h.IsMember(sender, roomID) {
		return 0, ErrNotMember
	}
	update.RoomID = roomID
	frame, err := encodeMessage(update.message())
	if err != nil {
		return 0, err
	}
	delivered := h.deliver(roomID, frame, sender)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomID, frame); err != nil {
			h.logf("relay: publish %s to bus: %v", roomID, err)
		}
	}
	return delivered, nil
}

// RunBus feeds frames published by other relay nodes to local members until
// ctx ends.
func (h *Hub) RunBus(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Run(ctx, func(roomID string, frame []byte) {
		h.deliver(roomID, frame, nil)
	})
}

func (h *Hub) deliver(roomID string, frame []byte, exclude Peer) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for peer := range h.rooms[roomID] {
		if peer == exclude {
			continue
		}
		if peer.Send(frame) {
			delivered++
			continue
		}
		h.logf("relay: dropped frame for peer %s in room %s", peer.ID(), roomID)
	}
	return delivered
}

func (h *Hub) Stats() []RoomStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make([]RoomStats, 0, len(h.rooms))
	for roomID, members := range h.rooms {
		stats = append(stats, RoomStats{RoomID: roomID, Members: len(members)})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].RoomID < stats[j].RoomID })
	return stats
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
