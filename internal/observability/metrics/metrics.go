package metrics

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "allocation_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	settleTotal   *prometheus.CounterVec
	settleLatency *prometheus.HistogramVec

	ledgerWriteTotal   *prometheus.CounterVec
	ledgerWriteLatency *prometheus.HistogramVec

	lockContention *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec

	eventsTotal  *prometheus.CounterVec
	eventsQueued prometheus.Gauge

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
)

// Init registers allocation metrics. When db is set, ledger row gauges are
// registered as well.
func Init(db *sql.DB, log zerolog.Logger) {
	registerOnce.Do(func() {
		settleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settle_month_total",
				Help: "Total month settlements by result",
			},
			[]string{"result"},
		)
		settleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settle_month_latency_seconds",
				Help:    "Month settlement latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		ledgerWriteTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_write_total",
				Help: "Total ledger operations by operation and result",
			},
			[]string{"op", "result"},
		)
		ledgerWriteLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ledger_write_latency_seconds",
				Help:    "Ledger operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		)

		lockContention = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "lock_contention_total",
				Help: "Total lease acquisitions rejected because the resource was held",
			},
			[]string{"backend"},
		)
		rollbacksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollbacks_total",
				Help: "Total transaction rollbacks by outcome",
			},
			[]string{"outcome"},
		)

		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Total lifecycle events by type and result",
			},
			[]string{"type", "result"},
		)
		eventsQueued = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "events_queued",
				Help: "Lifecycle events waiting for delivery",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total month exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Month export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format"},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_latency_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)

		prometheus.MustRegister(
			settleTotal,
			settleLatency,
			ledgerWriteTotal,
			ledgerWriteLatency,
			lockContention,
			rollbacksTotal,
			eventsTotal,
			eventsQueued,
			exportTotal,
			exportLatency,
			httpRequests,
			httpLatency,
		)

		if db != nil {
			registerDBMetrics(db, log)
		}
	})
}

func registerDBMetrics(db *sql.DB, log zerolog.Logger) {
	count := func(query string) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var n int64
			if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
				log.Warn().Err(err).Msg("ledger gauge query failed")
				return 0
			}
			return float64(n)
		}
	}
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ledger_items",
				Help: "Rows in the ledger table",
			},
			count(`SELECT COUNT(*) FROM ledger_items`),
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "banking_balances",
				Help: "Producers with a resting banking balance",
			},
			count(`SELECT COUNT(*) FROM ledger_items WHERE pk = 'balance'`),
		),
	)
}

// ObserveSettleMonth records settlement latency and result.
func ObserveSettleMonth(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if settleTotal != nil {
		settleTotal.WithLabelValues(result).Inc()
	}
	if settleLatency != nil {
		settleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveLedgerWrite records a coordinator operation.
func ObserveLedgerWrite(op, result string, duration time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ledgerWriteTotal != nil {
		ledgerWriteTotal.WithLabelValues(op, result).Inc()
	}
	if ledgerWriteLatency != nil {
		ledgerWriteLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// IncLockContention counts a rejected lease.
func IncLockContention(backend string) {
	if backend == "" {
		backend = "unknown"
	}
	if lockContention != nil {
		lockContention.WithLabelValues(backend).Inc()
	}
}

// IncRollback counts a rollback by outcome.
func IncRollback(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if rollbacksTotal != nil {
		rollbacksTotal.WithLabelValues(outcome).Inc()
	}
}

// IncEvent counts a delivered, failed or dropped lifecycle event.
func IncEvent(eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(eventType, result).Inc()
	}
}

// SetEventsQueued reports the publisher backlog.
func SetEventsQueued(n int) {
	if eventsQueued != nil {
		eventsQueued.Set(float64(n))
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format).Observe(duration.Seconds())
	}
}

// ObserveHTTP records an HTTP request.
func ObserveHTTP(route, status string, duration time.Duration) {
	if route == "" {
		route = "unknown"
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(route, status).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(route).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	ResultDropped = "dropped"
	ResultRetried = "retried"

	RollbackComplete = "complete"
	RollbackPartial  = "partial"
)
