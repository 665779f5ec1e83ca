package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fusio/drawsync/internal/element"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAbort            = errors.New("transaction aborted")
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrClosed           = errors.New("store closed")

	errVersionConflict = errors.New("version conflict")
)

const (
	defaultMaxAttempts  = 5
	defaultRetryDelay   = 20 * time.Millisecond
	defaultNotifyBuffer = 16
)

// ConflictError is returned when a transaction keeps losing the
// compare-and-swap race until its attempts run out.
type ConflictError struct {
	DocumentID      string
	Attempts        int
	CurrentVersion  int64
	CurrentWriterID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s: version conflict after %d attempts", e.DocumentID, e.Attempts)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

type Logger interface {
	Printf(format string, args ...any)
}

// Document is the persisted record for one drawing. Version is owned by the
// backend and only used for compare-and-swap.
type Document struct {
	Elements     element.Collection `json:"elements"`
	UpdatedAt    int64              `json:"updatedAt"`
	LastWriterID string             `json:"lastWriterId"`
	Version      int64              `json:"version,omitempty"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Elements = element.Clean(d.Elements)
	return &clone
}

// UpdateFunc receives the current document, or nil when none exists, and
// returns the document to commit. Returning ErrAbort ends the transaction
// without a write.
type UpdateFunc func(current *Document) (*Document, error)

type TransactResult struct {
	Committed bool
	Document  *Document
	Attempts  int
}

type Store interface {
	Get(ctx context.Context, documentID string) (*Document, error)
	Transact(ctx context.Context, documentID string, fn UpdateFunc) (TransactResult, error)
	// Subscribe delivers every committed state of the document. The channel
	// closes when ctx ends or the store closes. Slow readers miss
	// intermediate states but always receive the latest one.
	Subscribe(ctx context.Context, documentID string) (<-chan Document, error)
	Close() error
}

type Options struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	NotifyBuffer int
	Logger       Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = defaultNotifyBuffer
	}
	return o
}

func (o Options) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// casBackend is the part each backend implements; the retry loop is shared.
type casBackend interface {
	load(ctx context.Context, documentID string) (*Document, error)
	// compareAndSwap stores next when the stored version equals expected
	// (0 meaning absent) and returns errVersionConflict otherwise.
	compareAndSwap(ctx context.Context, documentID string, expected int64, next *Document) error
}

func transact(ctx context.Context, backend casBackend, opts Options, documentID string, fn UpdateFunc) (TransactResult, error) {
	if strings.TrimSpace(documentID) == "" || fn == nil {
		return TransactResult{}, ErrInvalidInput
	}
	var last *Document
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return TransactResult{Attempts: attempt - 1}, err
		}
		current, err := backend.load(ctx, documentID)
		if err != nil {
			return TransactResult{Attempts: attempt}, err
		}
		last = current
		next, err := fn(current.Clone())
		if errors.Is(err, ErrAbort) || (err == nil && next == nil) {
			return TransactResult{Document: current, Attempts: attempt}, nil
		}
		if err != nil {
			return TransactResult{Attempts: attempt}, fmt.Errorf("update document %s: %w", documentID, err)
		}
		var expected int64
		if current != nil {
			expected = current.Version
		}
		committed := next.Clone()
		committed.Version = expected + 1
		err = backend.compareAndSwap(ctx, documentID, expected, committed)
		if errors.Is(err, errVersionConflict) {
			opts.logf("docstore: version conflict on %s (attempt %d/%d)", documentID, attempt, opts.MaxAttempts)
			if attempt < opts.MaxAttempts {
				if err := waitWithContext(ctx, time.Duration(attempt)*opts.RetryDelay); err != nil {
					return TransactResult{Attempts: attempt}, err
				}
			}
			continue
		}
		if err != nil {
			return TransactResult{Attempts: attempt}, err
		}
		return TransactResult{Committed: true, Document: committed, Attempts: attempt}, nil
	}
	conflict := &ConflictError{DocumentID: documentID, Attempts: opts.MaxAttempts}
	if last != nil {
		conflict.CurrentVersion = last.Version
		conflict.CurrentWriterID = last.LastWriterID
	}
	return TransactResult{Attempts: opts.MaxAttempts}, conflict
}

func get(ctx context.Context, backend casBackend, documentID string) (*Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	doc, err := backend.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
