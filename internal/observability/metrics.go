package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipebroker"

var (
	registerOnce sync.Once
	gaugeOnce    sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by final outcome.",
		},
		[]string{"outcome"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake attempts by listener side and result.",
		},
		[]string{"side", "result"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Rejected frames by listener side and reason.",
		},
		[]string{"side", "reason"},
	)
	relayBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed by direction.",
		},
		[]string{"direction"},
	)
	relayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Lifetime of paired sessions in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 4, 8),
		},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Pairing notifications emitted by mode.",
		},
		[]string{"mode"},
	)
	listenerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_restarts_total",
			Help:      "Listener restarts after a fatal accept error.",
		},
		[]string{"side"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsTotal,
			handshakes,
			protocolErrors,
			relayBytes,
			relayDuration,
			notifications,
			listenerRestarts,
		)
	})
}

// RegisterSessionGauge exposes the live registry size. Only the first call wins.
func RegisterSessionGauge(count func() int) {
	gaugeOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Sessions currently held by the registry.",
			},
			func() float64 { return float64(count()) },
		))
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionOutcome(outcome string) {
	RegisterMetrics()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

func RecordHandshake(side, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(side, result).Inc()
}

func RecordProtocolError(side, reason string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(side, reason).Inc()
}

func RecordRelay(toClient, toTarget int64, lifetime time.Duration) {
	RegisterMetrics()
	relayBytes.WithLabelValues("to_client").Add(float64(toClient))
	relayBytes.WithLabelValues("to_target").Add(float64(toTarget))
	relayDuration.Observe(lifetime.Seconds())
}

func RecordNotification(mode string) {
	RegisterMetrics()
	notifications.WithLabelValues(mode).Inc()
}

func RecordListenerRestart(side string) {
	RegisterMetrics()
	listenerRestarts.WithLabelValues(side).Inc()
}
