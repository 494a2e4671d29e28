// Package metrics defines the Prometheus metric registry for the
// service, following the teacher's naming convention (a short service
// prefix, _total for counters, _active for live gauges, tuned
// HistogramVec buckets) with the prefix changed from "ws" to
// "ibstream" for this domain.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ibstream_connections_active",
		Help: "Currently open subscriber connections by transport.",
	}, []string{"transport"})

	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_connections_total",
		Help: "Subscriber connections accepted by transport.",
	}, []string{"transport"})

	ConnectionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_connections_rejected_total",
		Help: "Subscriber connections rejected by admission control, labeled by reason.",
	}, []string{"reason"})

	TicksReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_received_total",
		Help: "Ticks received from the upstream gateway by tick_type.",
	}, []string{"tick_type"})

	TicksDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_delivered_total",
		Help: "Ticks delivered to subscribers by transport.",
	}, []string{"transport"})

	TicksDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_dropped_total",
		Help: "Ticks dropped due to a full subscriber queue.",
	}, []string{"reason"})

	SlowConsumersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_slow_consumers_total",
		Help: "Subscribers disconnected for being a slow consumer.",
	}, []string{"transport"})

	StorageWriteErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_write_errors_total",
		Help: "Storage write failures by format.",
	}, []string{"format"})

	StorageRotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_rotations_total",
		Help: "Hourly partition rotations by format.",
	}, []string{"format"})

	BroadcastDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ibstream_broadcast_duration_seconds",
		Help:    "Time to fan a single tick out to all subscribers of a stream.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"tick_type"})

	SupervisorStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ibstream_supervisor_state",
		Help: "Escalation-ladder level currently active (0=healthy .. 4=critical).",
	}, []string{})

	SupervisorRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_supervisor_restarts_total",
		Help: "Supervisor-triggered restarts by escalation level.",
	}, []string{"level"})

	TaskRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_task_restarts_total",
		Help: "Supervised background tasks relaunched after failure.",
	}, []string{"task"})

	AdmissionMaxConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_admission_max_connections",
		Help: "Current admission-control connection ceiling.",
	})

	AdmissionCPUHeadroom = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_admission_cpu_headroom_pct",
		Help: "CPU headroom percent as seen by admission control.",
	})

	AdmissionMemHeadroom = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_admission_mem_headroom_pct",
		Help: "Memory headroom percent as seen by admission control.",
	})

	ArchiveUploadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_archive_upload_failures_total",
		Help: "Sealed-partition uploads to the optional S3 archive that failed.",
	})
)

// Register registers every metric above on reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRejectedTotal,
		TicksReceivedTotal,
		TicksDeliveredTotal,
		TicksDroppedTotal,
		SlowConsumersTotal,
		StorageWriteErrorsTotal,
		StorageRotationsTotal,
		BroadcastDuration,
		SupervisorStateGauge,
		SupervisorRestartsTotal,
		TaskRestartsTotal,
		AdmissionMaxConnections,
		AdmissionCPUHeadroom,
		AdmissionMemHeadroom,
		ArchiveUploadFailuresTotal,
	)
}
