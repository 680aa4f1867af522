package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := NotificationsSent
	Init()
	if NotificationsSent != first {
		t.Error("Init() re-registered metrics")
	}
	if ReconcileDuration == nil || PendingSessions == nil || EventsReceived == nil {
		t.Error("metrics not initialized")
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(EventsReceived.WithLabelValues("stream.online"))
	IncEvent("stream.online")
	if got := testutil.ToFloat64(EventsReceived.WithLabelValues("stream.online")); got != before+1 {
		t.Errorf("events_received{stream.online} = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(NotificationFailures.WithLabelValues("edit"))
	IncFailure("edit")
	if got := testutil.ToFloat64(NotificationFailures.WithLabelValues("edit")); got != before+1 {
		t.Errorf("notification_failures{edit} = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(ReconcileMatched)
	Inc(ReconcileMatched)
	if got := testutil.ToFloat64(ReconcileMatched); got != before+1 {
		t.Errorf("reconcile_matched = %v, want %v", got, before+1)
	}
	Inc(nil)
}

func TestGauges(t *testing.T) {
	Init()
	SetPending(3)
	if got := testutil.ToFloat64(PendingSessions); got != 3 {
		t.Errorf("pending_sessions = %v, want 3", got)
	}
	SetConnected(true)
	if got := testutil.ToFloat64(EventSubConnected); got != 1 {
		t.Errorf("eventsub_connected = %v, want 1", got)
	}
	SetConnected(false)
	if got := testutil.ToFloat64(EventSubConnected); got != 0 {
		t.Errorf("eventsub_connected = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()
	d := TimeFunc(ReconcileDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("TimeFunc() = %v, want >= 5ms", d)
	}
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Errorf("TimeFunc(nil) = %v", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Errorf("GetCorrelation() = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr() returned nil")
	}
}
