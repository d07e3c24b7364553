package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promCallsActive         prometheus.Gauge
	promBroadcastViewers    prometheus.Gauge
	promSignalTotal         *prometheus.CounterVec
	promCallTotal           *prometheus.CounterVec
	promCallEndTotal        *prometheus.CounterVec
	promQualityTotal        *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promCallsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "call",
		Name:      "connected",
	})

	promBroadcastViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "broadcast",
		Name:      "viewers",
	})

	promSignalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "signal",
			Name:      "total",
		},
		[]string{"kind", "path", "result"},
	)

	promCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "call",
			Name:      "total",
		},
		[]string{"event"},
	)

	promCallEndTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "call",
			Name:      "end_total",
		},
		[]string{"reason"},
	)

	promQualityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "network",
			Name:      "quality_samples_total",
		},
		[]string{"quality"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livelookNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promCallsActive)
	prometheus.MustRegister(promBroadcastViewers)
	prometheus.MustRegister(promSignalTotal)
	prometheus.MustRegister(promCallTotal)
	prometheus.MustRegister(promCallEndTotal)
	prometheus.MustRegister(promQualityTotal)
	prometheus.MustRegister(ServiceOperationCounter)
}

// SignalHandled counts one observation of a signal. path is "push" or "poll",
// result is "claimed", "duplicate" or "error".
func SignalHandled(kind string, path string, result string) {
	promSignalTotal.WithLabelValues(kind, path, result).Inc()
}

func CallEvent(event string) {
	promCallTotal.WithLabelValues(event).Inc()
}

func CallConnected() {
	promCallsActive.Inc()
}

func CallDisconnected() {
	promCallsActive.Dec()
}

func CallEnded(reason string) {
	promCallEndTotal.WithLabelValues(reason).Inc()
}

func QualitySampled(quality string) {
	promQualityTotal.WithLabelValues(quality).Inc()
}

func ViewerJoined() {
	promBroadcastViewers.Inc()
}

func ViewerLeft() {
	promBroadcastViewers.Dec()
}
