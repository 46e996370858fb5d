// Package reporting surfaces dropped actions and storage failures.
package reporting

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
)

type LogReporter struct {
	logger logrus.FieldLogger
}

func NewLogReporter(logger logrus.FieldLogger) *LogReporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportFailure(action actionqueue.PendingAction, err error) {
	r.logger.WithFields(logrus.Fields{
		"id":       action.ID,
		"seq":      action.Seq,
		"kind":     action.Kind,
		"attempts": action.Attempts,
	}).WithError(err).Error("pending action failed permanently and was dropped")
}

func (r *LogReporter) ReportStorageFailure(err error) {
	r.logger.WithError(err).Error("action queue could not be persisted")
}

// Multi fans a report out to every reporter in order.
type Multi []actionqueue.Reporter

func (m Multi) ReportFailure(action actionqueue.PendingAction, err error) {
	for _, r := range m {
		if r != nil {
			r.ReportFailure(action, err)
		}
	}
}

func (m Multi) ReportStorageFailure(err error) {
	for _, r := range m {
		if r != nil {
			r.ReportStorageFailure(err)
		}
	}
}

type Failure struct {
	Action actionqueue.PendingAction `json:"action"`
	Error  string                    `json:"error"`
}

// Recorder keeps the most recent failures in memory so the local API can show
// them to the user.
type Recorder struct {
	mu       sync.Mutex
	limit    int
	failures []Failure
	storage  int
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) ReportFailure(action actionqueue.PendingAction, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failure := Failure{Action: action}
	if err != nil {
		failure.Error = err.Error()
	}
	r.failures = append(r.failures, failure)
	if len(r.failures) > r.limit {
		r.failures = append([]Failure(nil), r.failures[len(r.failures)-r.limit:]...)
	}
}

func (r *Recorder) ReportStorageFailure(error) {
	r.mu.Lock()
	r.storage++
	r.mu.Unlock()
}

func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

func (r *Recorder) StorageFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storage
}
