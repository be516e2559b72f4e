package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(admissionActive, admissionRejections, admissionCancellations) }

var admissionActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "admission_active_requests",
		Help: "Currently admitted requests, labeled by task type.",
	},
	[]string{"type"},
)

var admissionRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "admission_capacity_rejections_total",
		Help: "Dispatch attempts held back because a concurrency ceiling was reached.",
	},
	[]string{"limit"}, // 'global', 'session', 'type'
)

var admissionCancellations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "admission_cancellations_total",
		Help: "Cancelled active requests, labeled by scope.",
	},
	[]string{"scope"}, // 'request', 'session', 'all'
)

func SetAdmissionActive(requestType string, n int) {
	admissionActive.WithLabelValues(norm(requestType)).Set(float64(n))
}

func IncCapacityRejection(limit string) {
	admissionRejections.WithLabelValues(norm(limit)).Inc()
}

func AddCancellations(scope string, n int) {
	admissionCancellations.WithLabelValues(norm(scope)).Add(float64(n))
}
