package docstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	opts   Options
	notify *notifier

	mu     sync.Mutex
	docs   map[string]*Document
	closed bool
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		opts:   opts,
		notify: newNotifier(opts.NotifyBuffer),
		docs:   map[string]*Document{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, documentID string) (*Document, error) {
	return get(ctx, s, documentID)
}

func (s *MemoryStore) Transact(ctx context.Context, documentID string, fn UpdateFunc) (TransactResult, error) {
	return transact(ctx, s, s.opts, documentID, fn)
}

func (s *MemoryStore) Subscribe(ctx context.Context, documentID string) (<-chan Document, error) {
	if documentID == "" {
		return nil, ErrInvalidInput
	}
	return s.notify.subscribe(ctx, documentID)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify.close()
	return nil
}

func (s *MemoryStore) load(_ context.Context, documentID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.docs[documentID].Clone(), nil
}

func (s *MemoryStore) compareAndSwap(_ context.Context, documentID string, expected int64, next *Document) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var version int64
	if current := s.docs[documentID]; current != nil {
		version = current.Version
	}
	if version != expected {
		s.mu.Unlock()
		return errVersionConflict
	}
	s.docs[documentID] = next.Clone()
	s.mu.Unlock()
	s.notify.publish(documentID, next)
	return nil
}
