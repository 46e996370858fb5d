// Package httpapi exposes the action queue to UI processes on the same host.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ztrue/tracerr"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
	"github.com/agentworkforce/actionrelay/internal/reporting"
)

const (
	eventBufferSize   = 64
	eventWriteTimeout = 5 * time.Second
)

// Queue is the part of the action queue manager the API drives.
type Queue interface {
	EnqueueWithID(ctx context.Context, id string, kind actionqueue.Kind, payload json.RawMessage) (actionqueue.PendingAction, error)
	Pending() []actionqueue.PendingAction
	SyncPendingActions()
	Status() actionqueue.Status
	Subscribe(fn func(actionqueue.Event)) func()
}

type FailureSource interface {
	Failures() []reporting.Failure
}

type ServerConfig struct {
	// JWTSecret enables bearer authentication. Empty disables it.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Failures        FailureSource
	Logger          logrus.FieldLogger
}

type Server struct {
	queue       Queue
	cfg         ServerConfig
	logger      logrus.FieldLogger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type enqueueRequest struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewServer(queue Queue, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		queue:       queue,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)
	defer s.recoverPanic(w, r, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/actions" && r.Method == http.MethodPost:
		requiredScope = ScopeActionsWrite
		route = "enqueue"
	case r.URL.Path == "/v1/actions" && r.Method == http.MethodGet:
		requiredScope = ScopeActionsRead
		route = "pending"
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "sync"
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		requiredScope = ScopeActionsRead
		route = "status"
	case r.URL.Path == "/v1/failures" && r.Method == http.MethodGet:
		requiredScope = ScopeActionsRead
		route = "failures"
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		requiredScope = ScopeActionsRead
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	caller := r.RemoteAddr
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(bearerToken(r), []byte(s.cfg.JWTSecret), requiredScope)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if claims.Subject != "" {
			caller = claims.Subject
		}
	}
	if s.rateLimiter != nil && route != "events" {
		if !s.rateLimiter.allow(caller, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "pending":
		writeJSON(w, http.StatusOK, map[string]any{"actions": s.queue.Pending()})
	case "sync":
		s.queue.SyncPendingActions()
		writeJSON(w, http.StatusAccepted, s.queue.Status())
	case "status":
		writeJSON(w, http.StatusOK, s.queue.Status())
	case "failures":
		s.handleFailures(w, correlationID)
	case "events":
		s.handleEvents(w, r)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "kind is required", correlationID)
		return
	}
	action, err := s.queue.EnqueueWithID(r.Context(), req.ID, actionqueue.Kind(req.Kind), req.Payload)
	if err != nil {
		status, code := enqueueErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithError(err).WithField("correlationId", correlationID).Error("enqueue failed")
		}
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func enqueueErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, actionqueue.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_kind"
	case errors.Is(err, actionqueue.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, actionqueue.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, actionqueue.ErrDuplicateAction):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, actionqueue.ErrQueueFull):
		return http.StatusInsufficientStorage, "queue_full"
	case errors.Is(err, actionqueue.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, actionqueue.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleFailures(w http.ResponseWriter, correlationID string) {
	if s.cfg.Failures == nil {
		writeError(w, http.StatusNotFound, "not_found", "failure history is not enabled", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": s.cfg.Failures.Failures()})
}

// handleEvents streams manager events as JSON websocket messages. A client
// that cannot keep up is disconnected rather than slowing the queue down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("event stream upgrade failed")
		return
	}
	defer conn.CloseNow()

	events := make(chan actionqueue.Event, eventBufferSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := s.queue.Subscribe(func(ev actionqueue.Event) {
		select {
		case events <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			_ = conn.Close(websocket.StatusTryAgainLater, "event stream overflow")
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) recoverPanic(w http.ResponseWriter, r *http.Request, correlationID string) {
	rec := recover()
	if rec == nil {
		return
	}
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}
	s.logger.WithFields(logrus.Fields{
		"path":          r.URL.Path,
		"correlationId": correlationID,
		"stack":         tracerr.Sprint(tracerr.Wrap(err)),
	}).Error("panic while serving request")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", correlationID)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
