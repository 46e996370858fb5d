package actionqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStorageKey    = "actionqueue/pending"
	defaultMaxAttempts   = 8
	defaultSubmitTimeout = 15 * time.Second
	defaultCapacity      = 1024
	defaultDedupWindow   = 10 * time.Minute
)

// Store is the durable key-value store holding the serialized queue.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Submitter delivers one action to the backend. A nil error is a definitive
// success, a *FatalError a permanent rejection; anything else is retried.
type Submitter interface {
	Submit(ctx context.Context, action PendingAction) error
}

type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

type Options struct {
	Store         Store
	Submitter     Submitter
	Kinds         *Kinds
	Clock         Clock
	Reporter      Reporter
	Logger        logrus.FieldLogger
	StorageKey    string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	SubmitTimeout time.Duration
	Capacity      int
	DedupWindow   time.Duration
	Online        bool
}

type Status struct {
	Online   bool           `json:"online"`
	Running  bool           `json:"running"`
	Depth    int            `json:"depth"`
	Capacity int            `json:"capacity"`
	NextSeq  uint64         `json:"nextSeq"`
	Head     *PendingAction `json:"head,omitempty"`
}

// Manager owns the pending action queue. Mutations are serialized under mu and
// flushed to the store before they take effect; at most one replay cycle runs
// at a time and it is the only code path that removes actions.
type Manager struct {
	store         Store
	submitter     Submitter
	kinds         *Kinds
	clock         Clock
	reporter      Reporter
	logger        logrus.FieldLogger
	key           string
	maxAttempts   int
	backoff       Backoff
	submitTimeout time.Duration
	capacity      int
	dedupWindow   time.Duration
	recent        *ristretto.Cache[string, struct{}]
	subs          subscribers
	wg            sync.WaitGroup

	mu         sync.Mutex
	actions    []PendingAction
	nextSeq    uint64
	running    bool
	online     bool
	closed     bool
	retryTimer Timer
}

func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("%w: submitter is required", ErrInvalidInput)
	}
	kinds := opts.Kinds
	if kinds == nil {
		kinds = DefaultKinds()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = noopReporter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	key := strings.TrimSpace(opts.StorageKey)
	if key == "" {
		key = DefaultStorageKey
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		return nil, fmt.Errorf("%w: max delay %s is below base delay %s", ErrInvalidInput, maxDelay, baseDelay)
	}
	backoff := Backoff{Base: baseDelay, Max: maxDelay}
	if err := backoff.CheckCeiling(maxAttempts); err != nil {
		return nil, err
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	dedupWindow := opts.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	recent, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        100000,
		MaxCost:            10000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	m := &Manager{
		store:         opts.Store,
		submitter:     opts.Submitter,
		kinds:         kinds,
		clock:         clock,
		reporter:      reporter,
		logger:        logger,
		key:           key,
		maxAttempts:   maxAttempts,
		backoff:       backoff,
		submitTimeout: submitTimeout,
		capacity:      capacity,
		dedupWindow:   dedupWindow,
		recent:        recent,
		nextSeq:       1,
		online:        opts.Online,
	}
	if err := m.load(ctx); err != nil {
		recent.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Enqueue(ctx context.Context, kind Kind, payload any) (PendingAction, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return PendingAction{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m.EnqueueWithID(ctx, "", kind, raw)
}

func (m *Manager) EnqueueJSON(ctx context.Context, kind Kind, payload json.RawMessage) (PendingAction, error) {
	return m.EnqueueWithID(ctx, "", kind, payload)
}

// EnqueueWithID appends an action under a caller supplied id so a retried
// request from the UI is not queued twice. An empty id gets a fresh UUID.
func (m *Manager) EnqueueWithID(ctx context.Context, id string, kind Kind, payload json.RawMessage) (PendingAction, error) {
	kind = normalizeKind(kind)
	if err := m.kinds.Validate(kind, payload); err != nil {
		return PendingAction{}, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return PendingAction{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id = strings.TrimSpace(id)
	if id != "" {
		if err := ValidateID(id); err != nil {
			return PendingAction{}, err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return PendingAction{}, ErrClosed
	}
	if len(m.actions) >= m.capacity {
		m.mu.Unlock()
		return PendingAction{}, ErrQueueFull
	}
	if id == "" {
		id = uuid.NewString()
	} else if m.seenLocked(id) {
		m.mu.Unlock()
		return PendingAction{}, fmt.Errorf("%w: %s", ErrDuplicateAction, id)
	}
	action := PendingAction{
		ID:         id,
		Seq:        m.nextSeq,
		Kind:       kind,
		Payload:    json.RawMessage(compact.Bytes()),
		EnqueuedAt: m.clock.Now().UTC(),
	}
	m.actions = append(m.actions, action)
	m.nextSeq++
	if err := m.persistLocked(ctx); err != nil {
		m.actions = m.actions[:len(m.actions)-1]
		m.nextSeq--
		m.mu.Unlock()
		m.logger.WithFields(actionFields(action)).WithError(err).Error("persist enqueued action failed")
		return PendingAction{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.remember(id)
	shouldSync := m.online && !m.running
	m.mu.Unlock()

	m.logger.WithFields(actionFields(action)).Info("action enqueued")
	out := action.clone()
	m.emit(Event{Type: EventEnqueued, Action: &out})
	if shouldSync {
		m.SyncPendingActions()
	}
	return action.clone(), nil
}

// SyncPendingActions starts a replay cycle in the background. It is a no-op
// while offline, while a cycle is running, or when nothing is queued.
func (m *Manager) SyncPendingActions() {
	m.trigger(false)
}

// RunCycle runs one replay cycle on the calling goroutine, regardless of the
// connectivity state.
func (m *Manager) RunCycle(ctx context.Context) (CycleReport, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return CycleReport{}, ErrClosed
	}
	if m.running {
		m.mu.Unlock()
		return CycleReport{}, ErrCycleRunning
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	return m.cycle(ctx, false)
}

// ExecuteAction submits a single action and classifies the outcome. Payloads
// that no longer satisfy their kind's schema fail fatally without a request.
func (m *Manager) ExecuteAction(ctx context.Context, action PendingAction) Result {
	if err := m.kinds.Validate(action.Kind, action.Payload); err != nil {
		return Result{Outcome: FatalFailure, Err: err}
	}
	submitCtx, cancel := context.WithTimeout(ctx, m.submitTimeout)
	defer cancel()
	return classify(m.submitter.Submit(submitCtx, action.clone()))
}

// SetOnline records a connectivity transition. Going online forces a replay
// cycle that ignores any pending backoff.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.WithField("online", online).Info("connectivity changed")
	if online {
		m.trigger(true)
	}
}

// Run follows conn until ctx is done.
func (m *Manager) Run(ctx context.Context, conn Connectivity) error {
	if conn == nil {
		return fmt.Errorf("%w: connectivity monitor is required", ErrInvalidInput)
	}
	cancel := conn.Subscribe(m.SetOnline)
	defer cancel()
	m.SetOnline(conn.Online())
	m.SyncPendingActions()
	<-ctx.Done()
	return nil
}

func (m *Manager) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	return m.subs.add(fn)
}

func (m *Manager) Pending() []PendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingAction, 0, len(m.actions))
	for _, action := range m.actions {
		out = append(out, action.clone())
	}
	return out
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Online:   m.online,
		Running:  m.running,
		Depth:    len(m.actions),
		Capacity: m.capacity,
		NextSeq:  m.nextSeq,
	}
	if len(m.actions) > 0 {
		head := m.actions[0].clone()
		status.Head = &head
	}
	return status
}

func (m *Manager) Kinds() *Kinds {
	return m.kinds
}

// Close stops scheduling, waits for a running cycle and flushes the queue.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	err := m.persistLocked(context.Background())
	m.mu.Unlock()
	m.recent.Close()
	if err != nil {
		return fmt.Errorf("%w: flush on close: %v", ErrStorage, err)
	}
	return nil
}

func (m *Manager) trigger(force bool) bool {
	m.mu.Lock()
	if m.closed || m.running || !m.online || len(m.actions) == 0 {
		m.mu.Unlock()
		return false
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		if _, err := m.cycle(context.Background(), force); err != nil {
			m.logger.WithError(err).Warn("replay cycle halted")
		}
	}()
	return true
}

func (m *Manager) cycle(ctx context.Context, force bool) (CycleReport, error) {
	var report CycleReport
	m.emit(Event{Type: EventCycleStarted})
	for {
		m.mu.Lock()
		if len(m.actions) == 0 {
			m.running = false
			m.mu.Unlock()
			m.logger.WithFields(logrus.Fields{
				"succeeded": report.Succeeded,
				"failed":    report.Failed,
			}).Info("replay cycle completed")
			m.emit(Event{Type: EventCycleCompleted})
			return report, nil
		}
		head := m.actions[0].clone()
		now := m.clock.Now()
		if !force && head.NextAttemptAt != nil && now.Before(*head.NextAttemptAt) {
			wait := head.NextAttemptAt.Sub(now)
			m.armRetryLocked(wait)
			m.running = false
			m.mu.Unlock()
			report.Halted = true
			report.RetryIn = wait
			m.emit(Event{Type: EventCycleHalted, Action: &head, RetryIn: wait})
			return report, nil
		}
		m.mu.Unlock()

		result := m.ExecuteAction(ctx, head)
		if ctxErr := ctx.Err(); ctxErr != nil && result.Outcome != Success {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			report.Halted = true
			m.emit(Event{Type: EventCycleHalted, Action: &head, Error: ctxErr.Error()})
			return report, ctxErr
		}

		if result.Outcome == RetryableFailure {
			attempts := head.Attempts + 1
			if attempts <= m.maxAttempts {
				delay, err := m.scheduleRetry(ctx, head, attempts, result)
				if err != nil {
					return report, m.storageFailure(head, err)
				}
				report.Halted = true
				report.RetryIn = delay
				return report, nil
			}
			head.Attempts = attempts
			head.LastError = errorText(result.Err)
			result = Result{
				Outcome: FatalFailure,
				Err:     fmt.Errorf("gave up after %d attempts: %w", attempts, result.Err),
			}
		}

		if err := m.removeHead(ctx, head); err != nil {
			return report, m.storageFailure(head, err)
		}
		done := head.clone()
		if result.Outcome == Success {
			report.Succeeded++
			m.logger.WithFields(actionFields(head)).Info("action replayed")
			m.emit(Event{Type: EventSucceeded, Action: &done})
			continue
		}
		report.Failed++
		m.logger.WithFields(actionFields(head)).WithError(result.Err).Error("action dropped after fatal failure")
		m.reporter.ReportFailure(done, result.Err)
		m.emit(Event{Type: EventFailed, Action: &done, Error: errorText(result.Err)})
	}
}

func (m *Manager) scheduleRetry(ctx context.Context, head PendingAction, attempts int, result Result) (time.Duration, error) {
	m.mu.Lock()
	previous := m.actions[0]
	delay := m.backoff.Delay(attempts, previous.LastDelay, result.RetryAfter)
	updated := previous.clone()
	next := m.clock.Now().Add(delay).UTC()
	updated.Attempts = attempts
	updated.LastError = errorText(result.Err)
	updated.NextAttemptAt = &next
	updated.LastDelay = delay
	m.actions[0] = updated
	if err := m.persistLocked(ctx); err != nil {
		m.actions[0] = previous
		m.mu.Unlock()
		return 0, err
	}
	m.armRetryLocked(delay)
	m.running = false
	m.mu.Unlock()

	m.logger.WithFields(actionFields(updated)).WithError(result.Err).WithField("retryIn", delay.String()).Warn("action submission failed; retry scheduled")
	out := updated.clone()
	m.emit(Event{Type: EventRetryScheduled, Action: &out, Error: errorText(result.Err), RetryIn: delay})
	m.emit(Event{Type: EventCycleHalted, Action: &out, RetryIn: delay})
	return delay, nil
}

func (m *Manager) removeHead(ctx context.Context, head PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.actions) == 0 || m.actions[0].ID != head.ID {
		return fmt.Errorf("%w: queue head changed during replay", ErrStorage)
	}
	previous := m.actions
	m.actions = append([]PendingAction(nil), previous[1:]...)
	if err := m.persistLocked(ctx); err != nil {
		m.actions = previous
		return err
	}
	m.remember(head.ID)
	return nil
}

func (m *Manager) storageFailure(head PendingAction, err error) error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.logger.WithFields(actionFields(head)).WithError(err).Error("persist queue state failed; replay cycle halted")
	m.reporter.ReportStorageFailure(err)
	m.emit(Event{Type: EventStorageFailed, Action: &head, Error: err.Error()})
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

func (m *Manager) armRetryLocked(delay time.Duration) {
	if m.closed {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = m.clock.AfterFunc(delay, m.SyncPendingActions)
}

func (m *Manager) persistLocked(ctx context.Context) error {
	data, err := encodeSnapshot(m.nextSeq, m.actions)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, m.key, data)
}

func (m *Manager) load(ctx context.Context) error {
	data, ok, err := m.store.Get(ctx, m.key)
	if err != nil {
		return fmt.Errorf("%w: load queue: %v", ErrStorage, err)
	}
	if !ok {
		return nil
	}
	nextSeq, actions, err := decodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}
	m.nextSeq = nextSeq
	m.actions = actions
	if len(actions) > 0 {
		m.logger.WithField("depth", len(actions)).Info("restored pending actions")
	}
	return nil
}

func (m *Manager) seenLocked(id string) bool {
	for _, action := range m.actions {
		if action.ID == id {
			return true
		}
	}
	_, ok := m.recent.Get(id)
	return ok
}

func (m *Manager) remember(id string) {
	m.recent.SetWithTTL(id, struct{}{}, 1, m.dedupWindow)
	m.recent.Wait()
}

func (m *Manager) emit(event Event) {
	if event.At.IsZero() {
		event.At = m.clock.Now().UTC()
	}
	m.subs.emit(event)
}

func classify(err error) Result {
	if err == nil {
		return Result{Outcome: Success}
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return Result{Outcome: FatalFailure, Err: err}
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return Result{Outcome: RetryableFailure, Err: err, RetryAfter: retryable.RetryAfter}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Outcome: RetryableFailure, Err: &RetryableError{Reason: "submission timed out", Err: err}}
	}
	return Result{Outcome: RetryableFailure, Err: err}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

func actionFields(action PendingAction) logrus.Fields {
	return logrus.Fields{
		"id":       action.ID,
		"seq":      action.Seq,
		"kind":     action.Kind,
		"attempts": action.Attempts,
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
