package types

import (
	"time"

	"github.com/avilaops/canaswarm/pkg/topology"
)

// RobotType classifies a robot's physical role in the field.
type RobotType string

const (
	RobotTypeHarvester RobotType = "harvester"
	RobotTypeTransport RobotType = "transport"
	RobotTypeInspector RobotType = "inspector"
)

// OperationalState represents what a robot is currently doing.
type OperationalState string

const (
	OperationalWorking  OperationalState = "working"
	OperationalIdle     OperationalState = "idle"
	OperationalCharging OperationalState = "charging"
	OperationalFault    OperationalState = "fault"
	OperationalOffline  OperationalState = "offline"
)

// Role is a robot's role in the consensus protocol.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
)

// TaskPriority orders tasks by urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus tracks a task through its lifecycle:
// open -> allocated -> in_progress -> complete | failed.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusAllocated  TaskStatus = "allocated"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// FormationType selects the virtual structure a formation maintains.
type FormationType string

const (
	FormationFlocking       FormationType = "flocking"
	FormationLine           FormationType = "line"
	FormationGrid           FormationType = "grid"
	FormationLeaderFollower FormationType = "leader_follower"
)

// Position is a robot's geodetic pose.
type Position struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	HeadingDeg float64 `json:"heading_deg"` // [0, 360)
}

// Status carries a robot's operational condition.
type Status struct {
	Operational       OperationalState `json:"operational"`
	BatterySOCPercent float64          `json:"battery_soc_percent"` // [0, 100]
	UptimeHours       float64          `json:"uptime_hours"`
}

// Communication describes a robot's link into the mesh.
type Communication struct {
	Connected         bool     `json:"connected"`
	SignalStrengthDBm float64  `json:"signal_strength_dbm"`
	LatencyMs         float64  `json:"latency_ms"`
	Neighbors         []string `json:"neighbors"`
}

// SwarmRole is a robot's consensus bookkeeping.
type SwarmRole struct {
	Role          Role      `json:"role"`
	Term          int       `json:"term"` // monotonically non-decreasing
	VotedFor      string    `json:"voted_for,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TargetPosition is a slot in a virtual structure, relative to the
// formation origin in meters.
type TargetPosition struct {
	RelativeXM float64 `json:"relative_x_m"`
	RelativeYM float64 `json:"relative_y_m"`
}

// FormationSlot records a robot's membership in a formation. Flocking
// formations have no virtual structure and leave TargetPosition nil.
type FormationSlot struct {
	FormationID         string          `json:"formation_id"`
	PositionInFormation int             `json:"position_in_formation"`
	TargetPosition      *TargetPosition `json:"target_position,omitempty"`
	DistanceToTargetM   float64         `json:"distance_to_target_m"`
	AlignmentErrorDeg   float64         `json:"alignment_error_deg"`
}

// TaskAssignment is the task a robot is currently executing.
type TaskAssignment struct {
	TaskID                     string       `json:"task_id"`
	TaskType                   string       `json:"task_type"`
	Priority                   TaskPriority `json:"priority"`
	ProgressPercent            float64      `json:"progress_percent"` // [0, 100]
	EstimatedCompletionMinutes float64      `json:"estimated_completion_minutes"`
}

// Robot is one member of the fleet. Records are created at world-model
// construction and never destroyed; robots leave by disconnecting.
type Robot struct {
	RobotID        string          `json:"robot_id"`
	Type           RobotType       `json:"type"`
	Position       Position        `json:"position"`
	Status         Status          `json:"status"`
	Communication  Communication   `json:"communication"`
	SwarmRole      SwarmRole       `json:"swarm_role"`
	Formation      *FormationSlot  `json:"formation,omitempty"`
	TaskAssignment *TaskAssignment `json:"task_assignment,omitempty"`
}

// LatLon is a bare coordinate pair.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TaskLocation is where a task takes place. At most one variant is
// expected to be set; resolution order is Centroid, Origin, direct
// Lat/Lon.
type TaskLocation struct {
	Centroid *LatLon  `json:"centroid,omitempty"`
	Origin   *LatLon  `json:"origin,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
}

// TaskRoute is an origin/destination pair for transport tasks.
type TaskRoute struct {
	Origin      LatLon `json:"origin"`
	Destination LatLon `json:"destination"`
}

// TaskRequirements gate which robots may bid on a task.
type TaskRequirements struct {
	RobotType                RobotType `json:"robot_type"`
	MinBatteryPercent        float64   `json:"min_battery_percent"`
	EstimatedDurationMinutes float64   `json:"estimated_duration_minutes"`
}

// Cargo describes the payload of a transport task.
type Cargo struct {
	MassKg float64 `json:"mass_kg"`
}

// Bid is one robot's offer for a task, in [0,1] with higher being better.
type Bid struct {
	RobotID              string        `json:"robot_id"`
	BidValue             float64       `json:"bid_value"`
	EstimatedCostKWh     float64       `json:"estimated_cost_kwh"`
	EstimatedTimeMinutes float64       `json:"estimated_time_minutes"`
	DistanceKm           float64       `json:"distance_km"`
	Components           BidComponents `json:"components"`
}

// BidComponents exposes the weighted factors behind a bid value.
type BidComponents struct {
	DistanceScore float64 `json:"distance_score"`
	BatteryScore  float64 `json:"battery_score"`
	WorkloadScore float64 `json:"workload_score"`
	PriorityScore float64 `json:"priority_score"`
}

// Task is one unit of pending or running field work.
type Task struct {
	TaskID       string           `json:"task_id"`
	TaskType     string           `json:"task_type"`
	Priority     TaskPriority     `json:"priority"`
	Status       TaskStatus       `json:"status"`
	Requirements TaskRequirements `json:"requirements"`
	Location     *TaskLocation    `json:"location,omitempty"`
	Route        *TaskRoute       `json:"route,omitempty"`
	Cargo        *Cargo           `json:"cargo,omitempty"`
	AllocatedTo  string           `json:"allocated_to,omitempty"`
	Bids         []*Bid           `json:"bids,omitempty"` // top bids from the last auction
}

// Coordinates resolves the task's location: location.centroid, then
// location.origin, then direct lat/lon, then route.origin. The second
// return is false when the task carries no usable location.
func (t *Task) Coordinates() (LatLon, bool) {
	if t.Location != nil {
		switch {
		case t.Location.Centroid != nil:
			return *t.Location.Centroid, true
		case t.Location.Origin != nil:
			return *t.Location.Origin, true
		case t.Location.Lat != nil && t.Location.Lon != nil:
			return LatLon{Lat: *t.Location.Lat, Lon: *t.Location.Lon}, true
		}
	}
	if t.Route != nil {
		return t.Route.Origin, true
	}
	return LatLon{}, false
}

// SwarmState is the fleet-wide consensus view.
type SwarmState struct {
	LeaderID      string    `json:"leader_id,omitempty"`
	ConsensusTerm int       `json:"consensus_term"`
	Timestamp     time.Time `json:"timestamp"`
}

// SwarmConfig carries the timing knobs shipped inside a snapshot.
type SwarmConfig struct {
	HeartbeatIntervalSeconds float64 `json:"heartbeat_interval_seconds"`
	ElectionTimeoutSeconds   float64 `json:"election_timeout_seconds"`
}

// NetworkTopology wraps the snapshot's edge list.
type NetworkTopology struct {
	Graph struct {
		Edges []topology.Edge `json:"edges"`
	} `json:"graph"`
}

// ConsensusMetrics are the consensus counters carried by a snapshot.
type ConsensusMetrics struct {
	ElectionCount int `json:"election_count"`
}

// PerformanceMetrics is the snapshot's metrics envelope.
type PerformanceMetrics struct {
	Consensus ConsensusMetrics `json:"consensus"`
}

// Snapshot is the logical world snapshot consumed by the engines. The
// JSON field names are normative for interoperability; timestamps are
// RFC 3339 with explicit timezone.
type Snapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	Robots             []*Robot           `json:"robots"`
	SwarmState         SwarmState         `json:"swarm_state"`
	SwarmConfig        SwarmConfig        `json:"swarm_config"`
	NetworkTopology    NetworkTopology    `json:"network_topology"`
	TaskPool           []*Task            `json:"task_pool"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
}
