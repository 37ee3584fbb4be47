package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatd"

var (
	TransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes written to disk by downloads",
		},
	)

	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "tasks_total",
			Help:      "Finished download tasks by terminal status",
		},
		[]string{"status"},
	)

	QueuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "queues_total",
			Help:      "Finished download queues by terminal status",
		},
		[]string{"status"},
	)

	ServerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Server start attempts by role and outcome",
		},
		[]string{"role", "result"},
	)

	ServerReadySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ready_seconds",
			Help:      "Time from spawn to readiness",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"role"},
	)

	ServerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state",
			Help:      "Server state per role (0 stopped, 1 starting, 2 ready)",
		},
		[]string{"role"},
	)

	InferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Requests to the local servers by endpoint and outcome",
		},
		[]string{"endpoint", "result"},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Round-trip time of requests to the local servers",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"endpoint"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Conversation turns by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	ServerRSSBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sysmon",
			Name:      "server_rss_bytes",
			Help:      "Resident memory of the supervised server processes",
		},
	)

	MemAvailableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sysmon",
			Name:      "memory_available_bytes",
			Help:      "Available system memory",
		},
	)

	CPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sysmon",
			Name:      "cpu_percent",
			Help:      "System-wide CPU utilisation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransferBytes, TransfersTotal, QueuesTotal,
		ServerStarts, ServerReadySeconds, ServerState,
		InferenceRequests, InferenceDuration, TurnsTotal,
		ServerRSSBytes, MemAvailableBytes, CPUPercent,
	)
}

// Result maps an error to the "ok"/"error" outcome label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
