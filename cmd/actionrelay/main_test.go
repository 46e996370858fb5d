package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
	"github.com/agentworkforce/actionrelay/internal/config"
	"github.com/agentworkforce/actionrelay/internal/connectivity"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	return config.Config{
		LogLevel:         "info",
		LogFormat:        "text",
		StoreDSN:         filepath.Join(t.TempDir(), "queue.json"),
		StorageKey:       actionqueue.DefaultStorageKey,
		BackendURL:       backendURL,
		SubmitTimeout:    2 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         time.Second,
		Capacity:         16,
		DedupWindow:      time.Minute,
		Connectivity:     "manual",
		HealthPath:       "/health",
		ProbeInterval:    time.Second,
		FailureThreshold: 1,
		ListenAddr:       "127.0.0.1:0",
		MaxBodyBytes:     1 << 20,
		RateLimitWindow:  time.Minute,
	}
}

func backend(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/actions/") {
			hits.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSplitScopes(t *testing.T) {
	got := splitScopes(" actions:write, ,sync:trigger,")
	if len(got) != 2 || got[0] != "actions:write" || got[1] != "sync:trigger" {
		t.Fatalf("unexpected scopes %v", got)
	}
	if got := splitScopes(""); len(got) != 0 {
		t.Fatalf("expected no scopes, got %v", got)
	}
}

func TestBuildMonitorSources(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	cfg.Connectivity = "manual"
	monitor, runner, err := buildMonitor(cfg, quietLogger())
	if err != nil || runner != nil || !monitor.Online() {
		t.Fatalf("expected online manual monitor, got %v %v", monitor, err)
	}

	cfg.Connectivity = "probe"
	monitor, runner, err = buildMonitor(cfg, quietLogger())
	if err != nil || runner == nil {
		t.Fatalf("expected probe monitor with runner, got %v", err)
	}
	if _, ok := monitor.(*connectivity.Prober); !ok {
		t.Fatalf("expected prober, got %T", monitor)
	}

	cfg.Connectivity = "websocket"
	cfg.WebSocketURL = "ws://127.0.0.1:1/ws"
	monitor, runner, err = buildMonitor(cfg, quietLogger())
	if err != nil || runner == nil {
		t.Fatalf("expected websocket monitor with runner, got %v", err)
	}
	if _, ok := monitor.(*connectivity.WebSocketMonitor); !ok {
		t.Fatalf("expected websocket monitor, got %T", monitor)
	}

	cfg.Connectivity = "marker"
	cfg.MarkerPath = ""
	if _, _, err := buildMonitor(cfg, quietLogger()); err == nil {
		t.Fatal("expected marker monitor without path to fail")
	}

	cfg.Connectivity = "carrier-pigeon"
	if _, _, err := buildMonitor(cfg, quietLogger()); err == nil {
		t.Fatal("expected unknown source to fail")
	}
}

func TestReplayOnceDrainsQueue(t *testing.T) {
	srv, hits := backend(t, http.StatusAccepted)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	d, err := newDaemon(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.close()
	for _, id := range []string{"ord-1", "ord-2"} {
		if _, err := d.manager.Enqueue(ctx, actionqueue.KindCancelOrder, map[string]string{"orderId": id}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := d.replayOnce(ctx); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected 2 submissions, got %d", got)
	}
	if depth := d.manager.Status().Depth; depth != 0 {
		t.Fatalf("expected empty queue, got depth %d", depth)
	}
}

func TestReplayOnceHaltsAndKeepsQueueAcrossRestart(t *testing.T) {
	srv, _ := backend(t, http.StatusServiceUnavailable)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	d, err := newDaemon(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if _, err := d.manager.Enqueue(ctx, actionqueue.KindCancelOrder, map[string]string{"orderId": "ord-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.replayOnce(ctx); !errors.Is(err, errReplayHalted) {
		t.Fatalf("expected halted replay, got %v", err)
	}
	if err := d.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	restarted, err := newDaemon(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("restart daemon: %v", err)
	}
	defer restarted.close()
	pending := restarted.manager.Pending()
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("expected one pending action with one attempt, got %+v", pending)
	}
}

func TestReplayOnceDoesNotStartConnectivityMonitor(t *testing.T) {
	srv, hits := backend(t, http.StatusAccepted)
	cfg := testConfig(t, srv.URL)
	cfg.Connectivity = "marker"
	cfg.MarkerPath = filepath.Join(t.TempDir(), "missing-dir", "offline")
	ctx := context.Background()

	d, err := newDaemon(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("new daemon should not touch the marker: %v", err)
	}
	defer d.close()
	if _, err := d.manager.Enqueue(ctx, actionqueue.KindCancelOrder, map[string]string{"orderId": "ord-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.replayOnce(ctx); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected 1 submission, got %d", got)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := d.serve(ctx, ln); err == nil {
		t.Fatal("expected serve to fail building the marker monitor")
	}
}

func TestServeAcceptsActionsAndReplaysThem(t *testing.T) {
	g := gomega.NewWithT(t)
	srv, hits := backend(t, http.StatusOK)
	cfg := testConfig(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, ln) }()

	body := strings.NewReader(`{"kind":"CANCEL_ORDER","payload":{"orderId":"ord-9"}}`)
	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/actions", "application/json", body)
	if err != nil {
		t.Fatalf("post action: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	g.Eventually(hits.Load).WithTimeout(3 * time.Second).Should(gomega.BeEquivalentTo(1))
	g.Eventually(d.manager.Pending).WithTimeout(3 * time.Second).Should(gomega.BeEmpty())

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
