package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	RobotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canaswarm_robots_total",
			Help: "Total number of robots by type and operational state",
		},
		[]string{"type", "operational"},
	)

	RobotsDisconnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canaswarm_robots_disconnected",
			Help: "Number of robots currently disconnected from the mesh",
		},
	)

	// Consensus metrics
	ConsensusTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canaswarm_consensus_term",
			Help: "Current consensus term",
		},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canaswarm_elections_total",
			Help: "Total number of leader elections triggered",
		},
	)

	ElectionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canaswarm_election_failures_total",
			Help: "Total number of failed elections by reason",
		},
		[]string{"reason"},
	)

	SplitBrainIncidentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canaswarm_split_brain_incidents_total",
			Help: "Total number of observed split-brain incidents",
		},
	)

	ConsensusHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canaswarm_consensus_health_score",
			Help: "Consensus health score in [0,1]",
		},
	)

	ReplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canaswarm_replications_total",
			Help: "Total number of state replication rounds by outcome",
		},
		[]string{"outcome"},
	)

	ElectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canaswarm_election_duration_seconds",
			Help:    "Time taken to run a leader election in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Formation metrics
	FormationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canaswarm_formations_active",
			Help: "Number of formations with at least one member",
		},
	)

	FormationUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canaswarm_formation_updates_total",
			Help: "Total number of flocking update passes",
		},
	)

	FormationQuality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canaswarm_formation_quality",
			Help: "Formation quality scores in [0,1] by formation and component",
		},
		[]string{"formation_id", "component"},
	)

	FlockingUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canaswarm_flocking_update_duration_seconds",
			Help:    "Time taken for one flocking update pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Allocation metrics
	TasksAllocatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canaswarm_tasks_allocated_total",
			Help: "Total number of tasks allocated by method",
		},
		[]string{"method"},
	)

	AuctionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canaswarm_auctions_failed_total",
			Help: "Total number of failed auctions by reason",
		},
		[]string{"reason"},
	)

	FleetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canaswarm_fleet_utilization",
			Help: "Fraction of robots working or overloaded, in [0,1]",
		},
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canaswarm_allocation_duration_seconds",
			Help:    "Time taken to allocate a batch of tasks in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordinator loop metrics
	CoordinationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canaswarm_coordination_cycles_total",
			Help: "Total number of coordination cycles completed",
		},
	)

	CoordinationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canaswarm_coordination_duration_seconds",
			Help:    "Time taken for a coordination cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(RobotsTotal)
	prometheus.MustRegister(RobotsDisconnected)
	prometheus.MustRegister(ConsensusTerm)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(ElectionFailuresTotal)
	prometheus.MustRegister(SplitBrainIncidentsTotal)
	prometheus.MustRegister(ConsensusHealthScore)
	prometheus.MustRegister(ReplicationsTotal)
	prometheus.MustRegister(ElectionDuration)
	prometheus.MustRegister(FormationsActive)
	prometheus.MustRegister(FormationUpdatesTotal)
	prometheus.MustRegister(FormationQuality)
	prometheus.MustRegister(FlockingUpdateDuration)
	prometheus.MustRegister(TasksAllocatedTotal)
	prometheus.MustRegister(AuctionsFailedTotal)
	prometheus.MustRegister(FleetUtilization)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(CoordinationCyclesTotal)
	prometheus.MustRegister(CoordinationDuration)
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
