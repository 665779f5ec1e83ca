package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type ClientOptions struct {
	Token           string
	Buffer          int
	MaxMessageBytes int64
	Logger          Logger
}

// Client is a participant's websocket connection to a relay server.
type Client struct {
	ws      *websocket.Conn
	updates chan Update
	logger  Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	readErr   error
}

func Dial(ctx context.Context, rawURL string, opts ClientOptions) (*Client, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultPeerBuffer
	}
	ws.SetReadLimit(opts.MaxMessageBytes)
	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		updates: make(chan Update, opts.Buffer),
		logger:  opts.Logger,
		ctx:     clientCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Join(ctx context.Context, roomID string) error {
	return c.write(ctx, Message{Event: EventJoin, RoomID: roomID})
}

func (c *Client) Leave(ctx context.Context, roomID string) error {
	return c.write(ctx, Message{Event: EventLeave, RoomID: roomID})
}

func (c *Client) Publish(ctx context.Context, update Update) error {
	return c.write(ctx, update.message())
}

// Updates yields canvas updates from other participants. It closes when the
// connection ends.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Err reports why the connection ended, or nil while it is open or after a
// normal close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		<-c.done
	})
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	return err
}

func (c *Client) write(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.updates)
	for {
		var msg Message
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
		switch msg.Event {
		case EventUpdate:
			select {
			case c.updates <- Update{RoomID: msg.RoomID, SenderID: msg.SenderID, Elements: msg.Elements}:
			case <-c.ctx.Done():
				return
			}
		case EventError:
			if c.logger != nil {
				c.logger.Printf("relay: server error: %s", msg.Message)
			}
		}
	}
}
