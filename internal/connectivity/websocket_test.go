package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"nhooyr.io/websocket"
)

func TestWebSocketMonitorReconnectsAfterDrop(t *testing.T) {
	g := gomega.NewWithT(t)
	drop := make(chan struct{})
	var accepted int32
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&accepted, 1) == 1 {
			<-drop
			_ = c.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		ctx := c.CloseRead(r.Context())
		<-ctx.Done()
	}))
	defer server.Close()

	m := NewWebSocketMonitor(WebSocketOptions{
		URL:          "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:        "tok_ws",
		PingInterval: time.Second,
		MinReconnect: 10 * time.Millisecond,
		MaxReconnect: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	var seen transitions
	m.Subscribe(seen.record)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	g.Eventually(m.Online).WithTimeout(2 * time.Second).Should(gomega.BeTrue())
	g.Expect(gotAuth.Load()).To(gomega.Equal("Bearer tok_ws"))
	close(drop)
	g.Eventually(seen.get).WithTimeout(2 * time.Second).Should(gomega.Equal([]bool{true, false, true}))
	g.Expect(atomic.LoadInt32(&accepted)).To(gomega.BeNumerically(">=", 2))
}

func TestWebSocketMonitorStaysOfflineWithoutServer(t *testing.T) {
	g := gomega.NewWithT(t)
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	m := NewWebSocketMonitor(WebSocketOptions{
		URL:          url,
		MinReconnect: 5 * time.Millisecond,
		MaxReconnect: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	g.Consistently(m.Online).WithTimeout(50 * time.Millisecond).Should(gomega.BeFalse())
	cancel()
	g.Eventually(done).WithTimeout(time.Second).Should(gomega.Receive(gomega.BeNil()))
}
