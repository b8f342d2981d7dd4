package recurring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the recurrence engine.
type Metrics struct {
	ProcessedTotal      *prometheus.CounterVec
	ScanDuration        *prometheus.HistogramVec
	ScanItemsTotal      *prometheus.CounterVec
	RemindersSentTotal  prometheus.Counter
	NotifyFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics. Registration happens
// once per process; every engine shares the same collectors.
//
// Metrics:
//   - recurring_processed_total{trigger,outcome}
//   - recurring_scan_duration_seconds{kind}
//   - recurring_scan_items_total{kind,status}
//   - recurring_reminders_sent_total
//   - recurring_notify_failures_total{kind}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ProcessedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recurring_processed_total",
					Help: "Processing attempts by trigger and outcome",
				},
				[]string{"trigger", "outcome"},
			),
			ScanDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "recurring_scan_duration_seconds",
					Help:    "Duration of scan runs",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
				},
				[]string{"kind"},
			),
			ScanItemsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recurring_scan_items_total",
					Help: "Per-obligation scan results",
				},
				[]string{"kind", "status"},
			),
			RemindersSentTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "recurring_reminders_sent_total",
					Help: "Reminder notifications sent",
				},
			),
			NotifyFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recurring_notify_failures_total",
					Help: "Notifications the notifier rejected",
				},
				[]string{"kind"},
			),
		}
	})
	return globalMetrics
}
