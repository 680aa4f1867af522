// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived        *prometheus.CounterVec
	EventsDuplicate       prometheus.Counter
	NotificationsSent     prometheus.Counter
	NotificationEdits     prometheus.Counter
	NotificationFailures  *prometheus.CounterVec
	ReconcileCycles       prometheus.Counter
	ReconcileMatched      prometheus.Counter
	ReconcileFetchFailure prometheus.Counter
	EventSubReconnects    prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer

	// Gauges
	PendingSessions   prometheus.Gauge
	EventSubConnected prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_events_received_total", Help: "EventSub notifications received by subscription type"}, []string{"type"})
		EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_events_duplicate_total", Help: "EventSub notifications dropped as redeliveries"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_sent_total", Help: "Live notifications posted"})
		NotificationEdits = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notification_edits_total", Help: "Notification messages edited"})
		NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_notification_failures_total", Help: "Failed sink calls by operation"}, []string{"op"})
		ReconcileCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_reconcile_cycles_total", Help: "VOD reconciliation ticks"})
		ReconcileMatched = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_reconcile_matched_total", Help: "Sessions matched to an archive video"})
		ReconcileFetchFailure = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_reconcile_fetch_failures_total", Help: "Archive video listings that failed"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_eventsub_reconnects_total", Help: "EventSub WebSocket reconnects (server requested or after failure)"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_reconcile_duration_seconds", Help: "Reconciliation tick duration seconds", Buckets: prometheus.DefBuckets})
		PendingSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_pending_sessions", Help: "Ended sessions still waiting for their archive video"})
		EventSubConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_eventsub_connected", Help: "EventSub session established=1 else 0"})
	})
}

// IncEvent counts a received notification of the given subscription type.
func IncEvent(typ string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(typ).Inc()
	}
}

// IncFailure counts a failed sink call; op is "send" or "edit".
func IncFailure(op string) {
	if NotificationFailures != nil {
		NotificationFailures.WithLabelValues(op).Inc()
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetPending records current unmatched session count.
func SetPending(n int) {
	if PendingSessions != nil {
		PendingSessions.Set(float64(n))
	}
}

// SetConnected sets the EventSub gauge.
func SetConnected(up bool) {
	if EventSubConnected == nil {
		return
	}
	if up {
		EventSubConnected.Set(1)
	} else {
		EventSubConnected.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
