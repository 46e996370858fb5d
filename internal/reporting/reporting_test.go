package reporting

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
)

func TestLogReporterWritesActionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	r := NewLogReporter(logger)
	r.ReportFailure(actionqueue.PendingAction{ID: "act_9", Seq: 9, Kind: actionqueue.KindModifyOrder, Attempts: 8}, errors.New("order closed"))

	out := buf.String()
	for _, want := range []string{"level=error", "id=act_9", "seq=9", "kind=MODIFY_ORDER", "attempts=8", `error="order closed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestMultiAndRecorder(t *testing.T) {
	first := NewRecorder(2)
	second := NewRecorder(0)
	multi := Multi{first, nil, second}

	for _, id := range []string{"a", "b", "c"} {
		multi.ReportFailure(actionqueue.PendingAction{ID: id}, errors.New("rejected "+id))
	}
	multi.ReportStorageFailure(errors.New("disk full"))

	got := first.Failures()
	if len(got) != 2 || got[0].Action.ID != "b" || got[1].Error != "rejected c" {
		t.Fatalf("expected bounded recent failures, got %+v", got)
	}
	if len(second.Failures()) != 3 {
		t.Fatalf("expected all failures in second recorder, got %d", len(second.Failures()))
	}
	if first.StorageFailures() != 1 || second.StorageFailures() != 1 {
		t.Fatal("expected storage failure fan-out")
	}
}
