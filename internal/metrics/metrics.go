package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counters and gauges for the attendance engine, exported on /metrics.
var (
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_started_total",
		Help: "Attendance sessions started.",
	})
	SessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sessions_completed_total",
		Help: "Attendance sessions completed, by reason.",
	}, []string{"reason"}) // "ended" | "expired"
	MarksAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_marks_accepted_total",
		Help: "Attendance marks accepted.",
	})
	MarksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_marks_rejected_total",
		Help: "Attendance marks rejected, by reason.",
	}, []string{"reason"})
	FeedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_feed_subscribers",
		Help: "Live attendance feed subscribers currently connected.",
	})
	KeysIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_keys_issued_total",
		Help: "Rotating proof-of-presence keys issued.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsCompleted,
		MarksAccepted,
		MarksRejected,
		FeedSubscribers,
		KeysIssued,
	)
}
