package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Emergency engine metrics. Labels stay low-cardinality: no drone or incident ids.

var (
	TelemetrySamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_ingest_samples_total",
			Help: "Inbound samples accepted by kind",
		},
		[]string{"kind"},
	)

	TelemetryDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_ingest_duplicates_total",
			Help: "Redelivered samples dropped by the ingest dedup cache",
		},
		[]string{"kind"},
	)

	TelemetryRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_ingest_rejected_total",
			Help: "Inbound samples that could not be decoded or validated",
		},
		[]string{"kind"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_detections_total",
			Help: "Emergency events published by the detection engine",
		},
		[]string{"type", "severity"},
	)

	DetectionsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_detections_suppressed_total",
			Help: "Detections dropped because the type is already active for the drone",
		},
		[]string{"type"},
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_incidents_created_total",
			Help: "Incidents opened by the decision engine",
		},
		[]string{"type", "severity"},
	)

	IncidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_incident_transitions_total",
			Help: "Incident status transitions by target status",
		},
		[]string{"status"},
	)

	PendingConfirmations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "utm_emergency_pending_confirmations",
			Help: "Incidents currently waiting for operator confirmation",
		},
	)

	ConfirmationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_confirmation_outcomes_total",
			Help: "How pending confirmations ended",
		},
		[]string{"outcome"},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_executions_total",
			Help: "Response executions by final action and result",
		},
		[]string{"action", "result"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utm_emergency_execution_duration_seconds",
			Help:    "Time from execute_response to incident resolution",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"action"},
	)

	ActionFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_action_fallbacks_total",
			Help: "Actions replaced after failing safety validation",
		},
		[]string{"from", "to"},
	)

	ExecutorQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utm_emergency_executor_queue_dropped_total",
			Help: "Execute requests failed because the executor queue was full",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utm_emergency_persist_failures_total",
			Help: "Incident snapshots that failed to write to the database",
		},
	)

	PersistQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utm_emergency_persist_queue_dropped_total",
			Help: "Incident snapshots dropped because the persist queue was full",
		},
	)

	ProtocolReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_emergency_protocol_reloads_total",
			Help: "Protocol cache reloads by result",
		},
		[]string{"result"},
	)

	ProtocolsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "utm_emergency_protocols_loaded",
			Help: "Protocols in the active cache",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_eventbus_published_total",
			Help: "Events published on the in-process bus",
		},
		[]string{"topic"},
	)

	BusHandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_eventbus_handler_panics_total",
			Help: "Subscriber panics recovered by the bus",
		},
		[]string{"topic"},
	)

	BridgePublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utm_eventbus_nats_failures_total",
			Help: "Events the NATS bridge failed to deliver after retries",
		},
		[]string{"topic"},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "utm_stream_clients",
			Help: "Connected websocket stream clients",
		},
	)
)

func RecordTransition(status string) {
	IncidentTransitions.WithLabelValues(status).Inc()
}

func RecordExecution(action, result string, seconds float64) {
	ExecutionsTotal.WithLabelValues(action, result).Inc()
	ExecutionDuration.WithLabelValues(action).Observe(seconds)
}
