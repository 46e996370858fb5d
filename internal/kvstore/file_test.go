package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "queue.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "actionqueue/pending", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "other", []byte{0x00, 0xff}); err != nil {
		t.Fatalf("set binary value failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get(ctx, "actionqueue/pending")
	if err != nil || !ok {
		t.Fatalf("expected stored value, got ok=%v err=%v", ok, err)
	}
	if string(value) != `{"version":1}` {
		t.Fatalf("unexpected value %q", value)
	}
	binary, ok, err := reopened.Get(ctx, "other")
	if err != nil || !ok || len(binary) != 2 || binary[1] != 0xff {
		t.Fatalf("expected binary value round trip, got %v ok=%v err=%v", binary, ok, err)
	}
	if _, ok, err := reopened.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	defer store.Close()
	for i := 0; i < 5; i++ {
		if err := store.Set(context.Background(), "k", []byte{byte(i)}); err != nil {
			t.Fatalf("set %d failed: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	for _, entry := range entries {
		if name := entry.Name(); name != "queue.json" && name != "queue.json.lock" {
			t.Fatalf("unexpected leftover file %s", name)
		}
	}
}

func TestFileStoreLockIsExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are unix only")
	}
	path := filepath.Join(t.TempDir(), "queue.json")
	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if _, err := NewFileStore(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second owner, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("expected lock release after close, got %v", err)
	}
	_ = second.Close()
}

func TestFileStoreRejectsUseAfterClose(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	_ = store.Close()
	if err := store.Set(context.Background(), "k", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatal("expected decode error")
	}
	// a failed open must release the lock
	if err := os.WriteFile(path, []byte(`{"version":1,"entries":{}}`), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("expected open after repair, got %v", err)
	}
	_ = store.Close()
}
