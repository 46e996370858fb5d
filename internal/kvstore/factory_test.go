package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("open memory store failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenFileFromDSNAndBarePath(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), "file://"+filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("open file dsn failed: %v", err)
	}
	fileStore, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected file store, got %T", store)
	}
	if fileStore.Path() != filepath.Join(dir, "a.json") {
		t.Fatalf("unexpected path %s", fileStore.Path())
	}
	_ = store.Close()

	bare, err := Open(context.Background(), filepath.Join(dir, "b.json"))
	if err != nil {
		t.Fatalf("open bare path failed: %v", err)
	}
	if _, ok := bare.(*FileStore); !ok {
		t.Fatalf("expected file store for bare path, got %T", bare)
	}
	_ = bare.Close()
}

func TestOpenSQLite(t *testing.T) {
	store, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite dsn failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
}

func TestOpenRejectsUnsupportedScheme(t *testing.T) {
	for _, dsn := range []string{"etcd://localhost:2379", "s3://bucket/queue", "gopher://localhost"} {
		if _, err := Open(context.Background(), dsn); !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("%s: expected ErrUnsupportedScheme, got %v", dsn, err)
		}
	}
	if _, err := Open(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegisterFactory(t *testing.T) {
	custom := NewMemoryStore()
	RegisterFactory("Custom-KV", func(_ context.Context, dsn string) (Store, error) {
		if dsn != "custom-kv://bucket" {
			t.Fatalf("unexpected dsn %s", dsn)
		}
		return custom, nil
	})
	store, err := Open(context.Background(), "custom-kv://bucket")
	if err != nil {
		t.Fatalf("open registered scheme failed: %v", err)
	}
	if store != custom {
		t.Fatalf("expected registered store, got %T", store)
	}
}

func TestNewRedisStoreParsesPrefixAndDB(t *testing.T) {
	store, err := NewRedisStore("redis://localhost:6379/2?prefix=desk:")
	if err != nil {
		t.Fatalf("new redis store failed: %v", err)
	}
	defer store.Close()
	if store.prefix != "desk:" {
		t.Fatalf("expected prefix desk:, got %q", store.prefix)
	}
	if db := store.client.Options().DB; db != 2 {
		t.Fatalf("expected db 2, got %d", db)
	}

	defaults, err := NewRedisStore("redis://localhost:6379")
	if err != nil {
		t.Fatalf("new redis store failed: %v", err)
	}
	defer defaults.Close()
	if defaults.prefix != defaultRedisPrefix {
		t.Fatalf("expected default prefix, got %q", defaults.prefix)
	}
}
