package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordActionIncrementsLabelledCounter(t *testing.T) {
	before := testutil.ToFloat64(actionsTotal.WithLabelValues("follow", "success"))
	RecordAction("follow", "success")
	after := testutil.ToFloat64(actionsTotal.WithLabelValues("follow", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to advance by one, got %v -> %v", before, after)
	}
}

func TestRecordStoreSaveSeparatesResults(t *testing.T) {
	okBefore := testutil.ToFloat64(storeSavesTotal.WithLabelValues("rooms", "ok"))
	RecordStoreSave("rooms", "error")
	if testutil.ToFloat64(storeSavesTotal.WithLabelValues("rooms", "ok")) != okBefore {
		t.Fatalf("error save must not advance ok counter")
	}
}
