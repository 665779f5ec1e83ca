package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fusio/drawsync/internal/element"
)

type AdapterOptions struct {
	// TombstoneRetention bounds how long deleted elements stay in the
	// document. Zero keeps them forever.
	TombstoneRetention time.Duration
	Now                func() time.Time
	Logger             Logger
}

// Adapter writes one participant's view of a document through a Store.
type Adapter struct {
	store         Store
	participantID string
	retention     time.Duration
	now           func() time.Time
	logger        Logger
}

func NewAdapter(store Store, participantID string, opts AdapterOptions) *Adapter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		store:         store,
		participantID: strings.TrimSpace(participantID),
		retention:     opts.TombstoneRetention,
		now:           now,
		logger:        opts.Logger,
	}
}

func (a *Adapter) ParticipantID() string {
	return a.participantID
}

// Load returns the stored document with cleaned elements. A missing document
// yields an empty one.
func (a *Adapter) Load(ctx context.Context, documentID string) (*Document, error) {
	doc, err := a.store.Get(ctx, documentID)
	if errors.Is(err, ErrNotFound) {
		return &Document{Elements: element.Collection{}}, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Elements = a.clean(doc.Elements)
	return doc, nil
}

// Save merges candidate into the stored document, candidate entries winning,
// and commits the result stamped with this participant. The write is skipped
// when this participant was the last writer and nothing would change.
func (a *Adapter) Save(ctx context.Context, documentID string, candidate element.Collection) (TransactResult, error) {
	local := a.clean(candidate)
	return a.store.Transact(ctx, documentID, func(current *Document) (*Document, error) {
		var remote element.Collection
		if current != nil {
			remote = element.Clean(current.Elements)
		}
		now := a.now()
		merged := element.PruneTombstones(element.Merge(remote, local), a.retention, now)
		if current != nil && current.LastWriterID == a.participantID && element.Equal(remote, merged) {
			return nil, ErrAbort
		}
		return &Document{
			Elements:     merged,
			UpdatedAt:    now.UnixMilli(),
			LastWriterID: a.participantID,
		}, nil
	})
}

func (a *Adapter) clean(c element.Collection) element.Collection {
	cleaned := element.Clean(c)
	if a.logger != nil && len(cleaned) != len(c) {
		a.logger.Printf("docstore: dropped %d unkeyed elements", len(c)-len(cleaned))
	}
	return cleaned
}
