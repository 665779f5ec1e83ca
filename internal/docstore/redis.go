package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "drawsync:doc:"
	defaultRedisChannel   = "drawsync:doc-changed"
)

type RedisOptions struct {
	KeyPrefix string
	Channel   string
}

// RedisStore keeps each document as a JSON value under KeyPrefix+id and
// commits with WATCH/MULTI/EXEC. Each commit publishes the document id.
type RedisStore struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
	channel   string
	opts      Options
	notify    *notifier

	subscribeMu sync.Mutex
	pubsub      *redis.PubSub
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

func NewRedisStore(client *redis.Client, redisOpts RedisOptions, opts Options) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(redisOpts.KeyPrefix) == "" {
		redisOpts.KeyPrefix = defaultRedisKeyPrefix
	}
	if strings.TrimSpace(redisOpts.Channel) == "" {
		redisOpts.Channel = defaultRedisChannel
	}
	opts = opts.withDefaults()
	return &RedisStore{
		client:    client,
		keyPrefix: redisOpts.KeyPrefix,
		channel:   redisOpts.Channel,
		opts:      opts,
		notify:    newNotifier(opts.NotifyBuffer),
	}, nil
}

func NewRedisStoreFromURL(rawURL string, opts Options) (*RedisStore, error) {
	parsed, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	store, err := NewRedisStore(redis.NewClient(parsed), RedisOptions{}, opts)
	if err != nil {
		return nil, err
	}
	store.ownClient = true
	return store, nil
}

func (s *RedisStore) Get(ctx context.Context, documentID string) (*Document, error) {
	return get(ctx, s, documentID)
}

func (s *RedisStore) Transact(ctx context.Context, documentID string, fn UpdateFunc) (TransactResult, error) {
	return transact(ctx, s, s.opts, documentID, fn)
}

func (s *RedisStore) Subscribe(ctx context.Context, documentID string) (<-chan Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureSubscribed(ctx); err != nil {
		return nil, err
	}
	return s.notify.subscribe(ctx, documentID)
}

func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notify.close()
		s.subscribeMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
		s.subscribeMu.Unlock()
		if s.ownClient {
			if closeErr := s.client.Close(); err == nil {
				err = closeErr
			}
		}
	})
	return err
}

func (s *RedisStore) key(documentID string) string {
	return s.keyPrefix + documentID
}

func (s *RedisStore) load(ctx context.Context, documentID string) (*Document, error) {
	return decodeRedisDocument(s.client.Get(ctx, s.key(documentID)).Bytes())
}

func decodeRedisDocument(data []byte, err error) (*Document, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *RedisStore) compareAndSwap(ctx context.Context, documentID string, expected int64, next *Document) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	key := s.key(documentID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := decodeRedisDocument(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		var version int64
		if current != nil {
			version = current.Version
		}
		if version != expected {
			return errVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, s.channel, documentID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return errVersionConflict
	}
	return err
}

func (s *RedisStore) ensureSubscribed(ctx context.Context) error {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()
	if s.pubsub != nil {
		return nil
	}
	pubsub := s.client.Subscribe(context.Background(), s.channel)
	// Wait for the confirmation so commits made right after Subscribe returns
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.pubsub = pubsub
	s.cancel = cancel
	go s.listenLoop(loopCtx, pubsub.Channel())
	return nil
}

func (s *RedisStore) listenLoop(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			documentID := msg.Payload
			if !s.notify.hasSubscribers(documentID) {
				continue
			}
			doc, err := s.load(ctx, documentID)
			if err != nil {
				s.opts.logf("docstore: reload %s after publish: %v", documentID, err)
				continue
			}
			s.notify.publish(documentID, doc)
		}
	}
}
