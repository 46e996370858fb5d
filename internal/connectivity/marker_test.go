package connectivity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onsi/gomega"
)

func TestMarkerMonitorFollowsMarkerFile(t *testing.T) {
	g := gomega.NewWithT(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "offline")

	m, err := NewMarkerMonitor(marker, quietLogger())
	if err != nil {
		t.Fatalf("new marker monitor failed: %v", err)
	}
	if !m.Online() {
		t.Fatal("expected online without marker")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	g.Consistently(m.Online).WithTimeout(50 * time.Millisecond).Should(gomega.BeTrue())

	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	g.Eventually(m.Online).WithTimeout(2 * time.Second).Should(gomega.BeFalse())

	if err := os.Remove(marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	g.Eventually(m.Online).WithTimeout(2 * time.Second).Should(gomega.BeTrue())
}

func TestMarkerMonitorStartsOfflineWhenMarkerExists(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "offline")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	m, err := NewMarkerMonitor(marker, quietLogger())
	if err != nil {
		t.Fatalf("new marker monitor failed: %v", err)
	}
	defer m.watcher.Close()
	if m.Online() {
		t.Fatal("expected offline while marker exists")
	}
}

func TestMarkerMonitorCloseWithoutRun(t *testing.T) {
	m, err := NewMarkerMonitor(filepath.Join(t.TempDir(), "offline"), quietLogger())
	if err != nil {
		t.Fatalf("new marker monitor failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after close returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
}
