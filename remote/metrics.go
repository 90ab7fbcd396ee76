package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// process wide. Sessions share the counters.
var (
	requestSentCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remoteui_request_sent_total",
		Help: "Requests handed to the transport by kind",
	}, []string{"kind"})

	requestErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remoteui_request_error_total",
		Help: "Failed transport calls by kind and error class",
	}, []string{"kind", "class"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remoteui_request_duration_seconds",
		Help:    "Transport call duration by kind, including in place retries",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
	}, []string{"kind"})

	requestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remoteui_requests_pending",
		Help: "User requests in flight",
	})

	eventCoalescedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoteui_event_coalesced_total",
		Help: "Queued events removed because a newer event superseded them",
	})

	responseBufferedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoteui_response_buffered_total",
		Help: "Sequenced responses admitted to the response queue",
	})

	responseAppliedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoteui_response_applied_total",
		Help: "Responses applied to the model",
	})

	protocolErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remoteui_protocol_error_total",
		Help: "Protocol errors by kind",
	}, []string{"kind"})

	offlineCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoteui_offline_total",
		Help: "Transitions to offline",
	})

	reconnectAttemptCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remoteui_reconnect_attempt_total",
		Help: "Reconnect pings by result",
	}, []string{"result"})
)
