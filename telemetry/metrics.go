package telemetry

// Histogram bucket definitions
var (
	// PhaseBuckets for engine phase durations (bulk copy and index build can
	// run for minutes)
	PhaseBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600}

	// DrainBuckets for change-drain latencies inside the exclusive window
	DrainBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Operation metrics
var (
	// OperationsTotal counts squeeze operations by result
	// (success, prerequisite, concurrency, busy, convergence, error)
	OperationsTotal CounterVec = noopCounterVec{}

	// PhaseDurationSeconds measures per-phase latency
	// (snapshot, copy, index_build, drain, finalize, swap)
	PhaseDurationSeconds HistogramVec = noopHistogramVec{}

	// RowsCopiedTotal counts rows written by the initial load
	RowsCopiedTotal Counter = NoopStat{}
)

// Change capture metrics
var (
	// EventsAppliedTotal counts replayed change events by kind (insert, update, delete)
	EventsAppliedTotal CounterVec = noopCounterVec{}

	// EventsBufferedBytes tracks the in-memory event buffer size
	EventsBufferedBytes Gauge = NoopStat{}

	// EventsSpilledTotal counts events spilled to the disk store
	EventsSpilledTotal Counter = NoopStat{}

	// DrainDurationSeconds measures individual drain rounds
	DrainDurationSeconds Histogram = NoopStat{}
)

// Finalization metrics
var (
	// FinalizeAttemptsTotal counts exclusive-window attempts by outcome
	// (committed, deadline, lock_failed)
	FinalizeAttemptsTotal CounterVec = noopCounterVec{}
)

func bindMetrics() {
	OperationsTotal = NewCounterVec("operations_total",
		"Squeeze operations by result", []string{"result"})
	PhaseDurationSeconds = NewHistogramVec("phase_duration_seconds",
		"Duration of engine phases", []string{"phase"}, PhaseBuckets)
	RowsCopiedTotal = NewCounter("rows_copied_total",
		"Rows written by the initial load")

	EventsAppliedTotal = NewCounterVec("events_applied_total",
		"Replayed change events by kind", []string{"kind"})
	EventsBufferedBytes = NewGauge("events_buffered_bytes",
		"In-memory change event buffer size")
	EventsSpilledTotal = NewCounter("events_spilled_total",
		"Change events spilled to disk")
	DrainDurationSeconds = NewHistogramWithBuckets("drain_duration_seconds",
		"Duration of change drain rounds", DrainBuckets)

	FinalizeAttemptsTotal = NewCounterVec("finalize_attempts_total",
		"Exclusive-window attempts by outcome", []string{"outcome"})
}
