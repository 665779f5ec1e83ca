package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileDocumentSuffix = ".json"
	fileLockSuffix     = ".lock"
	fileTempSuffix     = ".tmp"
)

// FileStore keeps one JSON file per document under Dir. Commits take an
// exclusive flock on a sibling lock file, so several processes may share the
// directory. Change notifications come from a watch on the directory.
type FileStore struct {
	Dir string

	opts   Options
	notify *notifier

	watchOnce sync.Once
	watchErr  error
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

func NewFileStore(dir string, opts Options) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &FileStore{
		Dir:    dir,
		opts:   opts,
		notify: newNotifier(opts.NotifyBuffer),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, documentID string) (*Document, error) {
	return get(ctx, s, documentID)
}

func (s *FileStore) Transact(ctx context.Context, documentID string, fn UpdateFunc) (TransactResult, error) {
	return transact(ctx, s, s.opts, documentID, fn)
}

func (s *FileStore) Subscribe(ctx context.Context, documentID string) (<-chan Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureWatching(); err != nil {
		return nil, err
	}
	return s.notify.subscribe(ctx, documentID)
}

func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notify.close()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileStore) documentPath(documentID string) string {
	return filepath.Join(s.Dir, url.PathEscape(documentID)+fileDocumentSuffix)
}

func (s *FileStore) documentIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, fileDocumentSuffix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, fileDocumentSuffix))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (s *FileStore) load(_ context.Context, documentID string) (*Document, error) {
	return readDocumentFile(s.documentPath(documentID))
}

func (s *FileStore) compareAndSwap(_ context.Context, documentID string, expected int64, next *Document) error {
	path := s.documentPath(documentID)
	lock, err := os.OpenFile(path+fileLockSuffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = unlockFile(lock) }()

	current, err := readDocumentFile(path)
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
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	tmp := path + fileTempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readDocumentFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &doc, nil
}

func (s *FileStore) ensureWatching() error {
	s.watchOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.watchErr = err
			return
		}
		if err := watcher.Add(s.Dir); err != nil {
			_ = watcher.Close()
			s.watchErr = err
			return
		}
		s.watcher = watcher
		go s.watchLoop(watcher)
	})
	return s.watchErr
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			documentID, ok := s.documentIDFromPath(event.Name)
			if !ok || !s.notify.hasSubscribers(documentID) {
				continue
			}
			doc, err := readDocumentFile(event.Name)
			if err != nil {
				s.opts.logf("docstore: reload %s after change: %v", event.Name, err)
				continue
			}
			s.notify.publish(documentID, doc)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.opts.logf("docstore: watch %s: %v", s.Dir, err)
		}
	}
}
