package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName          = "drawsync_documents"
	postgresNotifyChannel      = "drawsync_documents_changed"
	postgresOperationTimeout   = 5 * time.Second
	postgresListenerMinBackoff = 100 * time.Millisecond
	postgresListenerMaxBackoff = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps documents in one table and uses the version column for
// compare-and-swap. Commits are announced with pg_notify carrying only the
// document id; listeners re-read the row.
type PostgresStore struct {
	dsn       string
	tableName string
	channel   string
	opts      Options
	notify    *notifier
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	closeOnce  sync.Once
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		channel:   postgresNotifyChannel,
		opts:      opts,
		notify:    newNotifier(opts.NotifyBuffer),
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, documentID string) (*Document, error) {
	return get(ctx, s, documentID)
}

func (s *PostgresStore) Transact(ctx context.Context, documentID string, fn UpdateFunc) (TransactResult, error) {
	return transact(ctx, s, s.opts, documentID, fn)
}

func (s *PostgresStore) Subscribe(ctx context.Context, documentID string) (<-chan Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureListening(); err != nil {
		return nil, err
	}
	return s.notify.subscribe(ctx, documentID)
}

func (s *PostgresStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notify.close()
		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.db != nil {
			if closeErr := s.db.Close(); err == nil {
				err = closeErr
			}
		}
	})
	return err
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				elements TEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				last_writer_id TEXT NOT NULL,
				version BIGINT NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) load(ctx context.Context, documentID string) (*Document, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT elements, updated_at, last_writer_id, version FROM %s WHERE document_id = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var (
		payload string
		doc     Document
	)
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(&payload, &doc.UpdatedAt, &doc.LastWriterID, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &doc.Elements); err != nil {
		return nil, fmt.Errorf("decode elements of %s: %w", documentID, err)
	}
	return &doc, nil
}

func (s *PostgresStore) compareAndSwap(ctx context.Context, documentID string, expected int64, next *Document) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(next.Elements)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(s.tableName)
	var result sql.Result
	if expected == 0 {
		result, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (document_id, elements, updated_at, last_writer_id, version)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id) DO NOTHING`, table),
			documentID, string(payload), next.UpdatedAt, next.LastWriterID, next.Version)
	} else {
		result, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET elements = $2, updated_at = $3, last_writer_id = $4, version = $5
			WHERE document_id = $1 AND version = $6`, table),
			documentID, string(payload), next.UpdatedAt, next.LastWriterID, next.Version, expected)
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errVersionConflict
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, documentID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) ensureListening() error {
	s.listenOnce.Do(func() {
		if err := s.ensureReady(); err != nil {
			s.listenErr = err
			return
		}
		listener := pq.NewListener(s.dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.opts.logf("docstore: postgres listener event %d: %v", event, err)
			}
		})
		if err := listener.Listen(s.channel); err != nil {
			_ = listener.Close()
			s.listenErr = err
			return
		}
		s.listener = listener
		go s.listenLoop(listener)
	})
	return s.listenErr
}

func (s *PostgresStore) listenLoop(listener *pq.Listener) {
	for notification := range listener.Notify {
		// A nil notification follows a reconnect; anything may have changed.
		ids := s.notify.watched()
		if notification != nil {
			ids = []string{notification.Extra}
		}
		for _, documentID := range ids {
			if !s.notify.hasSubscribers(documentID) {
				continue
			}
			doc, err := s.load(context.Background(), documentID)
			if err != nil {
				s.opts.logf("docstore: reload %s after notify: %v", documentID, err)
				continue
			}
			s.notify.publish(documentID, doc)
		}
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
