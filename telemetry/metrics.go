package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DispatchBuckets for running every listener of one record in-process
	DispatchBuckets = []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

	// PropagationBuckets for emit-and-await round trips through the log
	PropagationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Event Log Metrics
var (
	// EventsAppendedTotal counts appends by result (success, failed)
	EventsAppendedTotal CounterVec = noopCounterVec{}
)

// Tailer and Dispatch Metrics
var (
	// EventsDispatchedTotal counts records handed to the listener registry
	EventsDispatchedTotal Counter = NoopStat{}

	// ListenerFailuresTotal counts listener errors and recovered panics
	ListenerFailuresTotal Counter = NoopStat{}

	// TailerRestartsTotal counts recoveries after a dead or failed stream
	TailerRestartsTotal Counter = NoopStat{}

	// TailerState is 1 for the tailer's current state and 0 for the others
	TailerState GaugeVec = noopGaugeVec{}

	// DispatchDurationSeconds measures dispatching one record to all listeners
	DispatchDurationSeconds Histogram = NoopStat{}

	// PropagationWaitSeconds measures emit-and-await from append to local dispatch
	PropagationWaitSeconds Histogram = NoopStat{}

	// Subscriptions tracks registered listeners
	Subscriptions Gauge = NoopStat{}
)

// Cache Metrics
var (
	// CacheRequestsTotal counts reads by key and result (hit, miss, error)
	CacheRequestsTotal CounterVec = noopCounterVec{}

	// CacheInvalidationsTotal counts slot invalidations by key
	CacheInvalidationsTotal CounterVec = noopCounterVec{}

	// CacheSlots tracks populated cache slots
	CacheSlots Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	EventsAppendedTotal = NewCounterVec(
		"events_appended_total",
		"Event log appends by result",
		[]string{"result"},
	)

	EventsDispatchedTotal = NewCounter(
		"events_dispatched_total",
		"Event records dispatched to listeners",
	)
	ListenerFailuresTotal = NewCounter(
		"listener_failures_total",
		"Listener callbacks that returned an error or panicked",
	)
	TailerRestartsTotal = NewCounter(
		"tailer_restarts_total",
		"Tailer recoveries after a dead or failed stream",
	)
	TailerState = NewGaugeVec(
		"tailer_state",
		"Current tailer state (1 = active)",
		[]string{"state"},
	)
	DispatchDurationSeconds = NewHistogramWithBuckets(
		"dispatch_duration_seconds",
		"Time to dispatch one record to all listeners in seconds",
		DispatchBuckets,
	)
	PropagationWaitSeconds = NewHistogramWithBuckets(
		"propagation_wait_seconds",
		"Time from append until the record was dispatched locally in seconds",
		PropagationBuckets,
	)
	Subscriptions = NewGauge(
		"subscriptions",
		"Registered event listeners",
	)

	CacheRequestsTotal = NewCounterVec(
		"cache_requests_total",
		"Cache reads by key and result",
		[]string{"key", "result"},
	)
	CacheInvalidationsTotal = NewCounterVec(
		"cache_invalidations_total",
		"Cache slot invalidations by key",
		[]string{"key"},
	)
	CacheSlots = NewGauge(
		"cache_slots",
		"Populated cache slots",
	)
}
