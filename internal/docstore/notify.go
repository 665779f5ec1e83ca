package docstore

import (
	"context"
	"sync"
)

type subscription struct {
	ch chan Document
}

// notifier fans committed documents out to per-document subscribers. Sends
// never block: a full subscriber buffer drops its oldest queued update.
type notifier struct {
	mu        sync.Mutex
	buffer    int
	subs      map[string]map[*subscription]struct{}
	published map[string]int64
	closed    bool
	done      chan struct{}
}

func newNotifier(buffer int) *notifier {
	return &notifier{
		buffer:    buffer,
		subs:      map[string]map[*subscription]struct{}{},
		published: map[string]int64{},
		done:      make(chan struct{}),
	}
}

func (n *notifier) subscribe(ctx context.Context, documentID string) (<-chan Document, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	sub := &subscription{ch: make(chan Document, n.buffer)}
	if n.subs[documentID] == nil {
		n.subs[documentID] = map[*subscription]struct{}{}
	}
	n.subs[documentID][sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			n.remove(documentID, sub)
		case <-n.done:
		}
	}()
	return sub.ch, nil
}

func (n *notifier) remove(documentID string, sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[documentID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(n.subs, documentID)
	}
}

// watched returns the document ids that currently have subscribers.
func (n *notifier) watched() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	return ids
}

func (n *notifier) hasSubscribers(documentID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[documentID]) > 0
}

// publish delivers doc unless a same-or-newer version was already delivered
// for the document. Backends fed by external change feeds see a commit more
// than once.
func (n *notifier) publish(documentID string, doc *Document) {
	if doc == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if doc.Version > 0 && doc.Version <= n.published[documentID] {
		return
	}
	n.published[documentID] = doc.Version
	for sub := range n.subs[documentID] {
		sub.offer(*doc.Clone())
	}
}

// offer enqueues doc, evicting the oldest queued document when the buffer is
// full so the newest commit is always the last one a reader receives.
// Callers hold n.mu, which makes publish the only sender.
func (s *subscription) offer(doc Document) {
	select {
	case s.ch <- doc:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- doc:
	default:
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.done)
	for id, subs := range n.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(n.subs, id)
	}
}
