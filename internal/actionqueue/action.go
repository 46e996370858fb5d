package actionqueue

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
)

type Kind string

const (
	KindPlaceOrder  Kind = "PLACE_ORDER"
	KindCancelOrder Kind = "CANCEL_ORDER"
	KindModifyOrder Kind = "MODIFY_ORDER"
)

// PendingAction is a user mutation waiting to be replayed against the backend.
// Seq is the total order; EnqueuedAt is informational.
type PendingAction struct {
	ID            string          `json:"id"`
	Seq           uint64          `json:"seq"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	// LastDelay is the backoff scheduled after the most recent failure.
	LastDelay time.Duration `json:"lastDelay,omitempty"`
}

// MaxIDLength bounds caller supplied ids, which travel as the backend's
// Idempotency-Key header.
const MaxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidateID accepts 1 to MaxIDLength characters from [A-Za-z0-9._:-].
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: id must be 1 to %d characters", ErrInvalidID, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id may only contain letters, digits, '.', '_', ':' and '-'", ErrInvalidID)
	}
	return nil
}

func (a PendingAction) clone() PendingAction {
	out := a
	out.Payload = append(json.RawMessage(nil), a.Payload...)
	if a.NextAttemptAt != nil {
		next := *a.NextAttemptAt
		out.NextAttemptAt = &next
	}
	return out
}

type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome    Outcome
	Err        error
	RetryAfter time.Duration
}

// CycleReport summarizes one replay cycle.
type CycleReport struct {
	Succeeded int
	Failed    int
	Halted    bool
	RetryIn   time.Duration
}

const snapshotVersion = 1

type queueSnapshot struct {
	Version int             `json:"version"`
	NextSeq uint64          `json:"nextSeq"`
	Actions []PendingAction `json:"actions"`
}

func encodeSnapshot(nextSeq uint64, actions []PendingAction) ([]byte, error) {
	snapshot := queueSnapshot{
		Version: snapshotVersion,
		NextSeq: nextSeq,
		Actions: actions,
	}
	if snapshot.Actions == nil {
		snapshot.Actions = []PendingAction{}
	}
	return json.Marshal(snapshot)
}

func decodeSnapshot(data []byte) (uint64, []PendingAction, error) {
	var snapshot queueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return 0, nil, err
	}
	if snapshot.Version > snapshotVersion {
		return 0, nil, fmt.Errorf("unsupported queue snapshot version %d", snapshot.Version)
	}
	actions := append([]PendingAction(nil), snapshot.Actions...)
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Seq < actions[j].Seq
	})
	nextSeq := snapshot.NextSeq
	for _, action := range actions {
		if action.Seq >= nextSeq {
			nextSeq = action.Seq + 1
		}
	}
	if nextSeq == 0 {
		nextSeq = 1
	}
	return nextSeq, actions, nil
}
