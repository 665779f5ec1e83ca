package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const defaultBusPrefix = "drawsync:room:"

// Bus carries room frames between relay nodes.
type Bus interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
	Run(ctx context.Context, deliver func(roomID string, frame []byte)) error
	Close() error
}

type RedisBusOptions struct {
	Prefix string
	Logger Logger
}

type busEnvelope struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// RedisBus publishes frames on one channel per room and pattern-subscribes
// to all of them. Frames published by this node are skipped on receipt.
type RedisBus struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	nodeID    string
	logger    Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisBus(client *redis.Client, opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultBusPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		nodeID: ulid.Make().String(),
		logger: opts.Logger,
		ready:  make(chan struct{}),
	}
}

func NewRedisBusFromURL(rawURL string, opts RedisBusOptions) (*RedisBus, error) {
	parsed, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	bus := NewRedisBus(redis.NewClient(parsed), opts)
	bus.ownClient = true
	return bus, nil
}

func (b *RedisBus) NodeID() string {
	return b.nodeID
}

// Ready closes once Run has an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, frame []byte) error {
	data, err := json.Marshal(busEnvelope{Node: b.nodeID, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+roomID, data).Err()
}

func (b *RedisBus) Run(ctx context.Context, deliver func(roomID string, frame []byte)) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay bus: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logf("relay: bad bus payload on %s: %v", msg.Channel, err)
				continue
			}
			if envelope.Node == b.nodeID {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, b.prefix), envelope.Frame)
		}
	}
}

func (b *RedisBus) Close() error {
	if b.ownClient {
		return b.client.Close()
	}
	return nil
}

func (b *RedisBus) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}
