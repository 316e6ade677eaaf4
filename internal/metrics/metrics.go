package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BrokerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_broker_requests_total",
			Help: "Coverage broker HTTP requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	BrokerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aeris_broker_job_duration_seconds",
			Help:    "Broker job wall time from submit to download.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"gas"},
	)

	CellsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_cells_inserted_total",
			Help: "Pollution grid cells inserted per gas.",
		},
		[]string{"gas"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aeris_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	IngestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_ingest_runs_total",
			Help: "Ingestion task runs by gas and status.",
		},
		[]string{"gas", "status"},
	)

	LastIngestTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aeris_last_ingest_timestamp_seconds",
			Help: "Unix timestamp of last successful ingest per gas.",
		},
		[]string{"gas"},
	)

	UPESComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aeris_upes_compute_duration_seconds",
			Help:    "Full UPES pipeline wall time.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_route_requests_total",
			Help: "Route optimization requests by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_alerts_fired_total",
			Help: "Alerts emitted by detector type.",
		},
		[]string{"type"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_webhook_deliveries_total",
			Help: "Alert webhook delivery outcomes.",
		},
		[]string{"outcome"},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_cache_ops_total",
			Help: "Cache operations (hit, miss, set, error).",
		},
		[]string{"family", "op"},
	)

	AuditUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aeris_audit_uploads_total",
			Help: "Raster audit uploads to object storage.",
		},
		[]string{"outcome"},
	)

	CellsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aeris_cells_pruned_total",
			Help: "Pollution grid rows removed by retention pruning.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		BrokerRequestsTotal,
		BrokerJobDuration,
		CellsInsertedTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		IngestRunsTotal,
		LastIngestTimestamp,
		UPESComputeDuration,
		RouteRequestsTotal,
		AlertsFiredTotal,
		WebhookDeliveriesTotal,
		CacheOpsTotal,
		AuditUploadsTotal,
		CellsPrunedTotal,
	)
}
