package canvassync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fusio/drawsync/internal/docstore"
	"github.com/fusio/drawsync/internal/element"
	"github.com/fusio/drawsync/internal/relay"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
	ErrInvalidConfig  = errors.New("invalid session config")
)

const (
	defaultRelayTimeout = 5 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

type State int32

const (
	StateInitializing State = iota
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// RelayLink is a participant's connection to its room on the relay, already
// joined. relay.Client and relay.LocalLink satisfy it.
type RelayLink interface {
	Publish(ctx context.Context, update relay.Update) error
	Updates() <-chan relay.Update
	Close() error
}

type Config struct {
	DocumentID string
	// RoomID defaults to DocumentID.
	RoomID        string
	ParticipantID string
	Store         docstore.Store
	Relay         RelayLink
	View          View

	QuietPeriod        time.Duration
	FlushOnClose       bool
	TombstoneRetention time.Duration
	WriteTimeout       time.Duration
	RelayTimeout       time.Duration
	OnWriteError       func(error)
	Logger             Logger
}

type pendingWrite struct {
	seq      uint64
	elements element.Collection
}

type writeResult struct {
	seq    uint64
	result docstore.TransactResult
	err    error
}

// localEvent is either an edit or, when flush is set, a flush request. Both
// share one channel so a flush observes every edit handed in before it.
type localEvent struct {
	elements element.Collection
	flush    chan error
}

// Session reconciles one participant's view of a document with the relay and
// the document store. All session state is owned by a single loop goroutine.
type Session struct {
	cfg      Config
	adapter  *docstore.Adapter
	debounce *Debouncer[pendingWrite]

	state atomic.Int32
	// rendering holds the collection being handed to the view, so that the
	// view echoing it back synchronously is not taken for a user edit.
	rendering atomic.Pointer[element.Collection]

	local        chan localEvent
	fires        chan pendingWrite
	writeResults chan writeResult
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once

	subCancel context.CancelFunc

	viewMu sync.RWMutex
	view   element.Collection

	// loop-owned
	editSeq      uint64
	requestedSeq uint64
	storeVersion int64
	inFlight     bool
	queued       *pendingWrite
	lastWriteErr error
	waiters      []chan error
}

func NewSession(cfg Config) (*Session, error) {
	cfg.DocumentID = strings.TrimSpace(cfg.DocumentID)
	if cfg.DocumentID == "" || cfg.Store == nil || cfg.Relay == nil || cfg.View == nil {
		return nil, ErrInvalidConfig
	}
	if strings.TrimSpace(cfg.RoomID) == "" {
		cfg.RoomID = cfg.DocumentID
	}
	if strings.TrimSpace(cfg.ParticipantID) == "" {
		cfg.ParticipantID = NewParticipantID()
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = defaultRelayTimeout
	}
	s := &Session{
		cfg: cfg,
		adapter: docstore.NewAdapter(cfg.Store, cfg.ParticipantID, docstore.AdapterOptions{
			TombstoneRetention: cfg.TombstoneRetention,
			Logger:             cfg.Logger,
		}),
		local:        make(chan localEvent, 64),
		fires:        make(chan pendingWrite),
		writeResults: make(chan writeResult, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		view:         element.Collection{},
	}
	s.debounce = NewDebouncer(cfg.QuietPeriod, func(w pendingWrite) {
		select {
		case s.fires <- w:
		case <-s.done:
		}
	})
	return s, nil
}

func (s *Session) ParticipantID() string {
	return s.cfg.ParticipantID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Elements returns the collection the session currently shows.
func (s *Session) Elements() element.Collection {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return element.Clean(s.view)
}

// Start subscribes to store changes, seeds the view from the store and enters
// the live state. Subscribing first means a commit landing during the fetch
// still arrives as a notification. A failed fetch is logged and leaves an
// empty seed.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != StateInitializing {
		return ErrAlreadyStarted
	}
	subCtx, cancel := context.WithCancel(context.Background())
	notifications, err := s.cfg.Store.Subscribe(subCtx, s.cfg.DocumentID)
	if err != nil {
		s.logf("canvassync: subscribe %s: %v; store changes will not be applied", s.cfg.DocumentID, err)
		notifications = nil
	}
	s.subCancel = cancel

	seed := element.Collection{}
	doc, err := s.adapter.Load(ctx, s.cfg.DocumentID)
	if err != nil {
		s.logf("canvassync: load %s: %v; starting empty", s.cfg.DocumentID, err)
	} else {
		seed = doc.Elements
		s.storeVersion = doc.Version
	}

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateLive)) {
		cancel()
		return ErrAlreadyStarted
	}
	s.setView(seed)
	s.render(seed)
	go s.loop(notifications)
	return nil
}

// LocalEdit hands a locally edited collection to the session. An edit equal
// to the collection currently being rendered is the view echoing that render
// and is ignored; any other edit is kept, even while a render runs.
func (s *Session) LocalEdit(elements element.Collection) error {
	if s.State() != StateLive {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: session not started", ErrInvalidConfig)
	}
	cleaned := element.Clean(elements)
	if rendering := s.rendering.Load(); rendering != nil && element.Equal(*rendering, cleaned) {
		return nil
	}
	select {
	case s.local <- localEvent{elements: cleaned}:
		return nil
	case <-s.closing:
		return ErrClosed
	}
}

// Flush writes any pending edit now and waits until every edit handed to
// the session so far has been written.
func (s *Session) Flush(ctx context.Context) error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateInitializing:
		return fmt.Errorf("%w: session not started", ErrInvalidConfig)
	}
	done := make(chan error, 1)
	select {
	case s.local <- localEvent{flush: done}:
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session. A pending debounced write is dropped unless
// FlushOnClose is set; a write already in flight is not cancelled.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		started := s.State() != StateInitializing
		s.state.Store(int32(StateClosed))
		close(s.closing)
		if started {
			<-s.done
		} else {
			close(s.done)
		}
		s.debounce.Stop()
		if s.subCancel != nil {
			s.subCancel()
		}
		err = s.cfg.Relay.Close()
	})
	return err
}

func (s *Session) loop(notifications <-chan docstore.Document) {
	defer close(s.done)
	updates := s.cfg.Relay.Updates()
	for {
		select {
		case event := <-s.local:
			if event.flush != nil {
				s.handleFlush(event.flush)
				continue
			}
			s.handleLocalEdit(event.elements)
		case update, ok := <-updates:
			if !ok {
				s.logf("canvassync: relay connection for %s ended", s.cfg.RoomID)
				updates = nil
				continue
			}
			s.handleRelayUpdate(update)
		case doc, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			s.handleStoreChange(doc)
		case w := <-s.fires:
			s.requestWrite(w)
		case res := <-s.writeResults:
			s.handleWriteResult(res)
		case <-s.closing:
			s.shutdown()
			return
		}
	}
}

func (s *Session) handleLocalEdit(elements element.Collection) {
	s.setView(elements)
	payload, err := json.Marshal(elements)
	if err != nil {
		s.logf("canvassync: encode local edit: %v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RelayTimeout)
		err = s.cfg.Relay.Publish(ctx, relay.Update{
			RoomID:   s.cfg.RoomID,
			SenderID: s.cfg.ParticipantID,
			Elements: payload,
		})
		cancel()
		if err != nil {
			s.logf("canvassync: relay publish to %s: %v", s.cfg.RoomID, err)
		}
	}
	s.editSeq++
	s.debounce.Schedule(pendingWrite{seq: s.editSeq, elements: elements})
}

func (s *Session) handleRelayUpdate(update relay.Update) {
	if update.SenderID == s.cfg.ParticipantID {
		return
	}
	if update.RoomID != "" && update.RoomID != s.cfg.RoomID {
		return
	}
	elements, err := element.Decode(update.Elements)
	if err != nil {
		s.logf("canvassync: bad relay update from %s: %v", update.SenderID, err)
		return
	}
	s.setView(elements)
	s.render(elements)
}

func (s *Session) handleStoreChange(doc docstore.Document) {
	// Notifications queued before the seed fetch may predate it.
	if doc.Version > 0 {
		if doc.Version <= s.storeVersion {
			return
		}
		s.storeVersion = doc.Version
	}
	if doc.LastWriterID == s.cfg.ParticipantID {
		return
	}
	elements := element.Clean(doc.Elements)
	if element.Equal(elements, s.currentView()) {
		return
	}
	s.setView(elements)
	s.render(elements)
}

func (s *Session) requestWrite(w pendingWrite) {
	if w.seq <= s.requestedSeq {
		return
	}
	s.requestedSeq = w.seq
	if s.inFlight {
		s.queued = &w
		return
	}
	s.startWrite(w)
}

func (s *Session) startWrite(w pendingWrite) {
	s.inFlight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		result, err := s.adapter.Save(ctx, s.cfg.DocumentID, w.elements)
		s.writeResults <- writeResult{seq: w.seq, result: result, err: err}
	}()
}

func (s *Session) handleWriteResult(res writeResult) {
	s.inFlight = false
	s.lastWriteErr = res.err
	switch {
	case res.err != nil:
		s.logf("canvassync: write %s: %v", s.cfg.DocumentID, res.err)
		if s.cfg.OnWriteError != nil {
			s.cfg.OnWriteError(res.err)
		}
	case res.result.Committed && res.result.Document != nil:
		if res.result.Document.Version > s.storeVersion {
			s.storeVersion = res.result.Document.Version
		}
		// The committed document is authoritative unless newer local edits
		// exist; those keep precedence until their own write lands.
		view := s.currentView()
		converged := element.Clean(res.result.Document.Elements)
		if s.editSeq > res.seq {
			converged = element.Merge(converged, view)
		}
		if !element.Equal(converged, view) {
			s.setView(converged)
			s.render(converged)
		}
	}
	if s.queued != nil {
		next := *s.queued
		s.queued = nil
		s.startWrite(next)
		return
	}
	s.releaseWaiters()
}

func (s *Session) handleFlush(done chan error) {
	if w, ok := s.debounce.Take(); ok {
		s.requestWrite(w)
	}
	s.lastWriteErr = nil
	s.waiters = append(s.waiters, done)
	s.releaseWaiters()
}

func (s *Session) settled() bool {
	return !s.inFlight && s.queued == nil && s.requestedSeq >= s.editSeq
}

func (s *Session) releaseWaiters() {
	if !s.settled() {
		return
	}
	for _, waiter := range s.waiters {
		waiter <- s.lastWriteErr
	}
	s.waiters = nil
}

func (s *Session) shutdown() {
	if s.cfg.FlushOnClose {
		if w, ok := s.debounce.Take(); ok {
			s.requestWrite(w)
		}
		select {
		case w := <-s.fires:
			s.requestWrite(w)
		default:
		}
		for s.inFlight {
			s.handleWriteResult(<-s.writeResults)
		}
	}
	s.debounce.Stop()
	for _, waiter := range s.waiters {
		waiter <- ErrClosed
	}
	s.waiters = nil
}

func (s *Session) render(elements element.Collection) {
	cleaned := element.Clean(elements)
	s.rendering.Store(&cleaned)
	defer s.rendering.Store(nil)
	s.cfg.View.Render(cleaned)
}

func (s *Session) setView(elements element.Collection) {
	s.viewMu.Lock()
	s.view = elements
	s.viewMu.Unlock()
}

func (s *Session) currentView() element.Collection {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
