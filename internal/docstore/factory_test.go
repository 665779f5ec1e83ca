package docstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenBuiltinSchemes(t *testing.T) {
	store, err := Open("memory://", Options{})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	dir := filepath.Join(t.TempDir(), "docs")
	store, err = Open("file://"+dir, Options{})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	fileStore, ok := store.(*FileStore)
	if !ok || fileStore.Dir != dir {
		t.Fatalf("expected file store at %s, got %#v", dir, store)
	}
	_ = store.Close()

	store, err = Open(dir, Options{})
	if err != nil {
		t.Fatalf("open bare path: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected file store for bare path, got %T", store)
	}
	_ = store.Close()

	if _, err := Open("postgres://user@localhost/db", Options{}); err != nil {
		t.Fatalf("open postgres should be lazy, got %v", err)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	if _, err := Open("s3://bucket/key", Options{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := Open("  ", Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegisterFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterFactory("Custom", func(dsn string, opts Options) (Store, error) {
		called = true
		return NewMemoryStore(opts), nil
	})
	if _, err := Open("custom://anything", Options{}); err != nil {
		t.Fatalf("open custom: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}
