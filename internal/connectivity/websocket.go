package connectivity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultMinReconnect = 500 * time.Millisecond
	defaultMaxReconnect = 30 * time.Second
)

type WebSocketOptions struct {
	URL          string
	Token        string
	PingInterval time.Duration
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Logger       logrus.FieldLogger
}

// WebSocketMonitor is online while a websocket to the backend stays open and
// answers pings. Dropped connections are redialed with capped doubling delay.
type WebSocketMonitor struct {
	broadcaster

	url          string
	header       http.Header
	pingInterval time.Duration
	minReconnect time.Duration
	maxReconnect time.Duration
	logger       logrus.FieldLogger
}

func NewWebSocketMonitor(opts WebSocketOptions) *WebSocketMonitor {
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	minReconnect := opts.MinReconnect
	if minReconnect <= 0 {
		minReconnect = defaultMinReconnect
	}
	maxReconnect := opts.MaxReconnect
	if maxReconnect < minReconnect {
		maxReconnect = defaultMaxReconnect
		if maxReconnect < minReconnect {
			maxReconnect = minReconnect
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebSocketMonitor{
		url:          strings.TrimSpace(opts.URL),
		header:       header,
		pingInterval: pingInterval,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		logger:       logger,
	}
}

func (w *WebSocketMonitor) Run(ctx context.Context) error {
	delay := w.minReconnect
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			w.set(false)
			return nil
		}
		if w.set(false) {
			w.logger.WithError(err).Warn("backend websocket disconnected")
		}
		if connected {
			delay = w.minReconnect
		}
		w.logger.WithError(err).WithField("retryIn", delay.String()).Debug("redialing backend websocket")
		if !waitWithContext(ctx.Done(), delay) {
			return nil
		}
		delay *= 2
		if delay > w.maxReconnect {
			delay = w.maxReconnect
		}
	}
}

// session holds one connection until it drops. connected reports whether the
// dial succeeded.
func (w *WebSocketMonitor) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPHeader: w.header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if w.set(true) {
		w.logger.Info("backend websocket connected")
	}
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return true, readCtx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(readCtx, w.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return true, err
			}
		}
	}
}
