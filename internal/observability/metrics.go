package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	pduSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Subsystem: "pdu",
			Name:      "sent_total",
			Help:      "PDUs handed to the transport, by kind.",
		},
		[]string{"type"},
	)
	pduReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Subsystem: "pdu",
			Name:      "received_total",
			Help:      "PDUs decoded from the transport, by kind.",
		},
		[]string{"type"},
	)
	pduDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Subsystem: "pdu",
			Name:      "decode_errors_total",
			Help:      "Inbound PDUs dropped because they failed to decode.",
		},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Name:      "transactions_total",
			Help:      "Finished transactions by role and final status.",
		},
		[]string{"role", "final_status"},
	)
	transactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cfdp",
			Name:      "transactions_active",
			Help:      "Transactions in the active table.",
		},
	)
	faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Name:      "faults_total",
			Help:      "Faults raised by condition code and the handler applied.",
		},
		[]string{"condition", "handler"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfdp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"entity", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cfdp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"entity", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pduSent,
			pduReceived,
			pduDecodeErrors,
			transactions,
			transactionsActive,
			faults,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordPDUSent(kind string) {
	RegisterMetrics()
	pduSent.WithLabelValues(kind).Inc()
}

func RecordPDUReceived(kind string) {
	RegisterMetrics()
	pduReceived.WithLabelValues(kind).Inc()
}

func RecordDecodeError() {
	RegisterMetrics()
	pduDecodeErrors.Inc()
}

func RecordTransaction(role, finalStatus string) {
	RegisterMetrics()
	transactions.WithLabelValues(role, finalStatus).Inc()
}

func SetActiveTransactions(n int) {
	RegisterMetrics()
	transactionsActive.Set(float64(n))
}

func RecordFault(condition, handler string) {
	RegisterMetrics()
	faults.WithLabelValues(condition, handler).Inc()
}

func RecordHTTPRequest(entity, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(entity, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(entity, method, path, statusLabel).Observe(duration.Seconds())
}
