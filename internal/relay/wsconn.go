package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
)

const (
	defaultPeerBuffer      = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

type ConnOptions struct {
	// Grant limits the rooms the connection may join. Nil allows all.
	Grant        *Grant
	InitialRooms []string
	Buffer       int
	WriteTimeout time.Duration
	// MaxMessageBytes caps inbound frames.
	MaxMessageBytes int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Buffer <= 0 {
		o.Buffer = defaultPeerBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	return o
}

type wsPeer struct {
	id  string
	out chan []byte
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

// ServeConn runs one accepted websocket until either side closes it. The peer
// leaves every room on return and ws is closed.
func (h *Hub) ServeConn(ctx context.Context, ws *websocket.Conn, opts ConnOptions) error {
	opts = opts.withDefaults()
	peer := &wsPeer{id: ulid.Make().String(), out: make(chan []byte, opts.Buffer)}
	ws.SetReadLimit(opts.MaxMessageBytes)
	defer ws.Close(websocket.StatusNormalClosure, "")
	defer h.LeaveAll(peer)

	for _, roomID := range opts.InitialRooms {
		if err := h.joinGranted(peer, roomID, opts.Grant); err != nil {
			_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, cancel, ws, peer, opts.WriteTimeout)
	}()

	err := h.readLoop(ctx, ws, peer, opts)
	cancel()
	<-writerDone
	return err
}

func (h *Hub) joinGranted(peer Peer, roomID string, grant *Grant) error {
	if !grant.Allows(roomID) {
		return fmt.Errorf("%w: %s", ErrForbidden, roomID)
	}
	return h.Join(peer, roomID)
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, peer *wsPeer, opts ConnOptions) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		msg, err := DecodeInbound(data)
		if err != nil {
			peer.Send(errorFrame(err.Error()))
			continue
		}
		switch msg.Event {
		case EventJoin:
			if err := h.joinGranted(peer, msg.RoomID, opts.Grant); err != nil {
				peer.Send(errorFrame(err.Error()))
			}
		case EventLeave:
			h.Leave(peer, msg.RoomID)
		case EventUpdate:
			senderID := msg.SenderID
			if senderID == "" {
				senderID = peer.id
			}
			_, err := h.Broadcast(ctx, peer, Update{RoomID: msg.RoomID, SenderID: senderID, Elements: msg.Elements})
			if err != nil {
				peer.Send(errorFrame(err.Error()))
			}
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, peer *wsPeer, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-peer.out:
			writeCtx, writeCancel := context.WithTimeout(ctx, timeout)
			err := ws.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logf("relay: write to peer %s: %v", peer.id, err)
				}
				cancel()
				return
			}
		}
	}
}
