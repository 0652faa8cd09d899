package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FixesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_fixes_received_total",
		Help: "Location fixes delivered by the location source",
	})
	RecordsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_records_sent_total",
		Help: "Records written to the reporting endpoint",
	})
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_records_dropped_total",
		Help: "Records dropped from the reporting queue on overflow",
	})
	DialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_dial_failures_total",
		Help: "Failed attempts to connect to the reporting endpoint",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_reconnects_total",
		Help: "Successful connections to the reporting endpoint",
	})
	StatusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackagent_status_events_total",
		Help: "Status codes published on the status bus",
	}, []string{"status"})
	WorkerStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_worker_starts_total",
		Help: "Tracking worker launches, including supervisor restarts",
	})
	Tracking = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackagent_tracking",
		Help: "1 while a tracking worker is running",
	})
	AVLFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_avl_frames_total",
		Help: "AVL frames received from tracker devices",
	})
	AVLParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackagent_avl_parse_errors_total",
		Help: "AVL frames that failed to parse",
	})
	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trackagent_send_latency_seconds",
		Help:    "Latency of a single record write",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveSendLatency(start time.Time) {
	SendLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+port, mux)
}
