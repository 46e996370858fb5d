package actionqueue

import (
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventEnqueued       EventType = "action.enqueued"
	EventSucceeded      EventType = "action.succeeded"
	EventFailed         EventType = "action.failed"
	EventRetryScheduled EventType = "action.retry_scheduled"
	EventCycleStarted   EventType = "cycle.started"
	EventCycleCompleted EventType = "cycle.completed"
	EventCycleHalted    EventType = "cycle.halted"
	EventStorageFailed  EventType = "cycle.storage_failed"
)

type Event struct {
	Type    EventType      `json:"type"`
	Action  *PendingAction `json:"action,omitempty"`
	Error   string         `json:"error,omitempty"`
	RetryIn time.Duration  `json:"retryIn,omitempty"`
	At      time.Time      `json:"at"`
}

// Reporter surfaces failures that drop an action or halt a cycle. It is the
// only path by which a fatally failed action becomes visible to the user.
type Reporter interface {
	ReportFailure(action PendingAction, err error)
	ReportStorageFailure(err error)
}

type noopReporter struct{}

func (noopReporter) ReportFailure(PendingAction, error) {}

func (noopReporter) ReportStorageFailure(error) {}

type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[int]func(Event){}
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// emit delivers synchronously in subscription order. Listeners must not block.
func (s *subscribers) emit(event Event) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(event)
	}
}
