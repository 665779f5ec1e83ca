// Package mirror exposes a session's elements as a JSON file on disk and
// feeds edits made to that file back into the session.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fusio/drawsync/internal/element"
)

var ErrInvalidPath = errors.New("mirror path is required")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Indent bool
	Mode   os.FileMode
	// Now stamps tombstones for elements removed from the file.
	Now    func() time.Time
	Logger Logger
}

// FileView renders collections into one JSON file. Writes it made itself are
// recognized by content hash, so only outside edits reach the edit callback.
// Elements deleted from the file are reported as tombstones, since a missing
// element never deletes anything once merged with the stored document.
type FileView struct {
	path   string
	indent bool
	mode   os.FileMode
	now    func() time.Time
	logger Logger

	mu       sync.Mutex
	lastHash string
	known    element.Collection
}

func NewFileView(path string, opts Options) (*FileView, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &FileView{path: abs, indent: opts.Indent, mode: mode, now: now, logger: opts.Logger}, nil
}

func (v *FileView) Path() string {
	return v.path
}

func (v *FileView) Render(elements element.Collection) {
	if err := v.write(elements); err != nil {
		v.logf("mirror: write %s: %v", v.path, err)
	}
}

func (v *FileView) write(elements element.Collection) error {
	if elements == nil {
		elements = element.Collection{}
	}
	var (
		data []byte
		err  error
	)
	if v.indent {
		data, err = json.MarshalIndent(elements, "", "  ")
	} else {
		data, err = json.Marshal(elements)
	}
	if err != nil {
		return err
	}
	data = append(data, '\n')
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := writeFileAtomic(v.path, data, v.mode); err != nil {
		return err
	}
	v.lastHash = hashBytes(data)
	v.known = element.Clean(elements)
	return nil
}

// Read decodes the current file. A missing file reads as an empty collection.
func (v *FileView) Read() (element.Collection, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return element.Collection{}, nil
	}
	if err != nil {
		return nil, err
	}
	return element.Decode(data)
}

// Watch calls onEdit with the decoded file contents whenever someone other
// than this view changes the file. It blocks until ctx ends.
func (v *FileView) Watch(ctx context.Context, onEdit func(element.Collection) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Atomic replaces swap the inode, so watch the directory.
	if err := watcher.Add(filepath.Dir(v.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != v.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			v.handleChange(onEdit)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			v.logf("mirror: watch %s: %v", v.path, err)
		}
	}
}

func (v *FileView) handleChange(onEdit func(element.Collection) error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			v.logf("mirror: read %s: %v", v.path, err)
		}
		return
	}
	hash := hashBytes(data)
	v.mu.Lock()
	if hash == v.lastHash {
		v.mu.Unlock()
		return
	}
	v.lastHash = hash
	v.mu.Unlock()

	elements, err := element.Decode(data)
	if err != nil {
		v.logf("mirror: ignoring unparsable %s: %v", v.path, err)
		return
	}
	v.mu.Lock()
	elements = withTombstones(elements, v.known, v.now())
	v.known = elements
	v.mu.Unlock()
	if err := onEdit(elements); err != nil {
		v.logf("mirror: apply edit from %s: %v", v.path, err)
	}
}

func (v *FileView) logf(format string, args ...any) {
	if v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

// withTombstones appends every element of previous that edited dropped,
// marked deleted at now. Existing tombstones are carried over unchanged.
func withTombstones(edited, previous element.Collection, now time.Time) element.Collection {
	out := append(element.Collection(nil), edited...)
	for _, e := range previous {
		if _, ok := edited.Get(e.ID); ok {
			continue
		}
		if !e.IsDeleted() {
			e = element.MarkDeleted(e, now)
		}
		out = append(out, e)
	}
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
