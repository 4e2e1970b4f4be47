package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shuffle registry metrics
	ShufflesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "barge_shuffles_registered",
			Help: "Total number of currently registered shuffles",
		},
	)

	ApplicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "barge_applications_total",
			Help: "Total number of applications with live heartbeats",
		},
	)

	PartitionLocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "barge_partition_locations_total",
			Help: "Total number of partition locations by mode",
		},
		[]string{"mode"},
	)

	WorkersBlacklisted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "barge_workers_blacklisted",
			Help: "Total number of workers currently blacklisted",
		},
	)

	WorkersAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "barge_workers_available",
			Help: "Total number of workers eligible for allocation",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barge_rpc_requests_total",
			Help: "Total number of task-facing RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "barge_rpc_request_duration_seconds",
			Help:    "Task-facing RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reservation metrics
	ReservationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barge_reservation_latency_seconds",
			Help:    "Time taken to reserve slots across workers in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReservationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_reservation_retries_total",
			Help: "Total number of reservation retry rounds",
		},
	)

	ReservationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_reservation_failures_total",
			Help: "Total number of reservations that exhausted retries",
		},
	)

	// Partition change metrics (Revive / PartitionSplit)
	PartitionChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barge_partition_changes_total",
			Help: "Total number of partition change requests by cause and status",
		},
		[]string{"cause", "status"},
	)

	PartitionChangeCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_partition_change_coalesced_total",
			Help: "Total number of partition change requests coalesced onto an in-flight request",
		},
	)

	// Stage-end metrics
	StageEndDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barge_stage_end_duration_seconds",
			Help:    "Time taken for a StageEnd commit barrier in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageEndDataLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_stage_end_data_lost_total",
			Help: "Total number of StageEnd calls that concluded with data loss",
		},
	)

	StageEndBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_stage_end_bytes_written_total",
			Help: "Total bytes workers reported written at commit time",
		},
	)

	StageEndFilesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_stage_end_files_committed_total",
			Help: "Total files workers reported committed at commit time",
		},
	)

	// Lifecycle metrics
	UnregisterShuffleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barge_unregister_shuffle_duration_seconds",
			Help:    "Time taken to unregister a shuffle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpiredApplicationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barge_expired_applications_total",
			Help: "Total number of applications removed by the expiration sweep",
		},
	)

	// Blacklist metrics
	BlacklistRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barge_blacklist_refresh_duration_seconds",
			Help:    "Time taken for a blacklist refresh round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ShufflesRegistered)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(PartitionLocationsTotal)
	prometheus.MustRegister(WorkersBlacklisted)
	prometheus.MustRegister(WorkersAvailable)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(ReservationLatency)
	prometheus.MustRegister(ReservationRetries)
	prometheus.MustRegister(ReservationFailures)
	prometheus.MustRegister(PartitionChangesTotal)
	prometheus.MustRegister(PartitionChangeCoalesced)
	prometheus.MustRegister(StageEndDuration)
	prometheus.MustRegister(StageEndDataLostTotal)
	prometheus.MustRegister(StageEndBytesWritten)
	prometheus.MustRegister(StageEndFilesCommitted)
	prometheus.MustRegister(UnregisterShuffleDuration)
	prometheus.MustRegister(ExpiredApplicationsTotal)
	prometheus.MustRegister(BlacklistRefreshDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
