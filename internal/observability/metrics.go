package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "amqpwire"

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_total",
			Help:      "Frames moved over AMQP connections.",
		},
		[]string{"direction", "kind"},
	)
	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames sent or received.",
		},
		[]string{"direction"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Synchronous channel-0 call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "closes_total",
			Help:      "Connection shutdowns by cause.",
		},
		[]string{"cause"},
	)
	openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open_channels",
			Help:      "Channels currently registered across connections.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, heartbeatsTotal, rpcDuration, closesTotal, openChannels,
			httpRequests, httpDuration)
	})
}

// RecordFrame counts one frame. direction is "in" or "out".
func RecordFrame(direction, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func RecordHeartbeat(direction string) {
	RegisterMetrics()
	heartbeatsTotal.WithLabelValues(direction).Inc()
}

func RecordRPC(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func RecordClose(cause string) {
	RegisterMetrics()
	closesTotal.WithLabelValues(cause).Inc()
}

// AddOpenChannels moves the open-channel gauge by delta.
func AddOpenChannels(delta int) {
	RegisterMetrics()
	openChannels.Add(float64(delta))
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}
