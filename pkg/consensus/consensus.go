package consensus

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/avilaops/canaswarm/pkg/metrics"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/rs/zerolog"
)

// Failure reasons reported by the engine. Soft failures are carried in
// result values, never as errors.
const (
	ReasonNoLeader             = "no_leader"
	ReasonLeaderDisconnected   = "leader_disconnected"
	ReasonLeaderNotOperational = "leader_not_operational"
	ReasonHeartbeatTimeout     = "heartbeat_timeout"
	ReasonNoViableCandidates   = "no_viable_candidates"
	ReasonNoMajority           = "no_majority"
)

// Recommended follow-up actions attached to failed operations.
const (
	ActionTriggerElection = "trigger_election"
	ActionRetryElection   = "retry_election"
)

// Overall consensus status thresholds.
const (
	StatusHealthy  = "HEALTHY"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// Engine maintains a single operational leader over the fleet and
// replicates state updates to a majority. It mutates only the swarm_role
// slice of robot state.
type Engine struct {
	world  *world.World
	cfg    config.Config
	rng    *rand.Rand
	logger zerolog.Logger

	electionCount       int
	splitBrainIncidents int
}

// New creates a consensus engine over a world model. The rng drives the
// probabilistic vote and replication simulation; seed it for
// deterministic runs.
func New(w *world.World, cfg config.Config, rng *rand.Rand) *Engine {
	e := &Engine{
		world:         w,
		cfg:           cfg,
		rng:           rng,
		logger:        log.WithComponent("consensus"),
		electionCount: w.ElectionCount,
	}
	if w.Config.ElectionTimeoutSeconds > 0 {
		e.cfg.ElectionTimeoutSeconds = w.Config.ElectionTimeoutSeconds
	}
	if w.Config.HeartbeatIntervalSeconds > 0 {
		e.cfg.HeartbeatIntervalSeconds = w.Config.HeartbeatIntervalSeconds
	}
	return e
}

// HealthReport is the result of a leader health check.
type HealthReport struct {
	Healthy             bool    `json:"healthy"`
	LeaderID            string  `json:"leader_id,omitempty"`
	TimeSinceHeartbeatS float64 `json:"time_since_heartbeat_s"`
	Connected           bool    `json:"connected"`
	Operational         bool    `json:"operational"`
	HeartbeatRecent     bool    `json:"heartbeat_recent"`
	Reason              string  `json:"reason,omitempty"`
	Action              string  `json:"action,omitempty"`
}

// CheckLeaderHealth reports whether the current leader exists, is
// connected and operational, and has heartbeated within the election
// timeout. The snapshot timestamp, not the wall clock, is "now".
func (e *Engine) CheckLeaderHealth() HealthReport {
	leaderID := e.world.State.LeaderID
	leader := e.world.Robot(leaderID)
	if leaderID == "" || leader == nil {
		return HealthReport{
			Healthy: false,
			Reason:  ReasonNoLeader,
			Action:  ActionTriggerElection,
		}
	}

	sinceHeartbeat := e.world.Timestamp.Sub(leader.SwarmRole.LastHeartbeat).Seconds()

	connected := leader.Communication.Connected
	operational := leader.Status.Operational == types.OperationalWorking ||
		leader.Status.Operational == types.OperationalIdle
	heartbeatRecent := sinceHeartbeat < e.cfg.ElectionTimeoutSeconds

	report := HealthReport{
		Healthy:             connected && operational && heartbeatRecent,
		LeaderID:            leaderID,
		TimeSinceHeartbeatS: sinceHeartbeat,
		Connected:           connected,
		Operational:         operational,
		HeartbeatRecent:     heartbeatRecent,
	}

	if !report.Healthy {
		switch {
		case !connected:
			report.Reason = ReasonLeaderDisconnected
		case !operational:
			report.Reason = ReasonLeaderNotOperational
		default:
			report.Reason = ReasonHeartbeatTimeout
		}
		report.Action = ActionTriggerElection
	}

	return report
}

// candidate is a scored election contender.
type candidate struct {
	RobotID   string
	Priority  float64
	Battery   float64
	Uptime    float64
	Neighbors int
}

// VoteTally records the outcome of one voting round.
type VoteTally struct {
	VotesFor     int      `json:"votes_for"`
	VotedFor     []string `json:"voted_for"`
	VotedAgainst []string `json:"voted_against"`
	NoResponse   []string `json:"no_response"`
}

// ElectionResult is the outcome of a leader election.
type ElectionResult struct {
	Success         bool       `json:"success"`
	NewLeader       string     `json:"new_leader,omitempty"`
	Candidate       string     `json:"candidate,omitempty"`
	Term            int        `json:"term"`
	VotesReceived   int        `json:"votes_received"`
	TotalRobots     int        `json:"total_robots"`
	Majority        int        `json:"majority"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Action          string     `json:"action,omitempty"`
	VoteDetails     *VoteTally `json:"vote_details,omitempty"`
}

// TriggerElection runs one round of leader election. The term and the
// election counter are raised before the outcome is known and stay
// raised on failure. The returned error is non-nil only for invariant
// violations, which indicate a bug rather than an electoral outcome.
func (e *Engine) TriggerElection() (*ElectionResult, error) {
	total := e.world.TotalRobots()
	if total == 0 {
		return &ElectionResult{
			Success: false,
			Reason:  ReasonNoViableCandidates,
			Term:    e.world.State.ConsensusTerm,
		}, nil
	}

	newTerm := e.world.State.ConsensusTerm + 1
	e.world.State.ConsensusTerm = newTerm
	e.electionCount++
	metrics.ElectionsTotal.Inc()
	metrics.ConsensusTerm.Set(float64(newTerm))

	candidates := e.findCandidates()
	if len(candidates) == 0 {
		metrics.ElectionFailuresTotal.WithLabelValues(ReasonNoViableCandidates).Inc()
		e.logger.Warn().Int("term", newTerm).Msg("Election aborted, no viable candidates")
		return &ElectionResult{
			Success: false,
			Reason:  ReasonNoViableCandidates,
			Term:    newTerm,
		}, nil
	}

	top := candidates[0]
	tally := e.holdVote(top)

	majority := e.world.Majority()
	result := &ElectionResult{
		Term:          newTerm,
		Candidate:     top.RobotID,
		VotesReceived: tally.VotesFor,
		TotalRobots:   total,
		Majority:      majority,
		VoteDetails:   tally,
	}

	if tally.VotesFor < majority {
		// The candidate recorded its own vote and term bump; nothing else
		// in the world changes on a failed round.
		loser := e.world.Robot(top.RobotID)
		loser.SwarmRole.VotedFor = top.RobotID
		loser.SwarmRole.Term = newTerm

		result.Reason = ReasonNoMajority
		result.Action = ActionRetryElection
		metrics.ElectionFailuresTotal.WithLabelValues(ReasonNoMajority).Inc()
		e.logger.Warn().
			Str("candidate", top.RobotID).
			Int("votes", tally.VotesFor).
			Int("majority", majority).
			Int("term", newTerm).
			Msg("Election failed, no majority")
		return result, nil
	}

	votedForWinner := make(map[string]bool, len(tally.VotedFor))
	for _, id := range tally.VotedFor {
		votedForWinner[id] = true
	}

	for _, robot := range e.world.Robots() {
		if robot.RobotID == top.RobotID {
			robot.SwarmRole.Role = types.RoleLeader
			robot.SwarmRole.VotedFor = top.RobotID
		} else {
			robot.SwarmRole.Role = types.RoleFollower
			if votedForWinner[robot.RobotID] {
				robot.SwarmRole.VotedFor = top.RobotID
			}
		}
		robot.SwarmRole.Term = newTerm
	}
	e.world.State.LeaderID = top.RobotID

	if err := e.verifySingleLeader(); err != nil {
		return nil, err
	}

	result.Success = true
	result.NewLeader = top.RobotID
	result.DurationSeconds = 1.5 + e.rng.Float64()*1.5
	metrics.ElectionDuration.Observe(result.DurationSeconds)

	e.logger.Info().
		Str("leader_id", top.RobotID).
		Int("term", newTerm).
		Int("votes", tally.VotesFor).
		Int("majority", majority).
		Msg("Leader elected")

	return result, nil
}

// findCandidates returns the viable contenders sorted by priority
// descending, ties broken by robot id so selection is stable.
func (e *Engine) findCandidates() []candidate {
	total := e.world.TotalRobots()
	var candidates []candidate

	for _, robot := range e.world.Robots() {
		connected := robot.Communication.Connected
		operational := robot.Status.Operational == types.OperationalWorking ||
			robot.Status.Operational == types.OperationalIdle ||
			robot.Status.Operational == types.OperationalCharging
		hasBattery := robot.Status.BatterySOCPercent >= e.cfg.MinCandidateBattery

		if !connected || !operational || !hasBattery {
			continue
		}

		batteryScore := robot.Status.BatterySOCPercent / 100
		uptimeScore := math.Min(robot.Status.UptimeHours/12, 1.0)
		neighborScore := float64(len(robot.Communication.Neighbors)) / float64(total)

		candidates = append(candidates, candidate{
			RobotID:   robot.RobotID,
			Priority:  batteryScore*0.5 + uptimeScore*0.3 + neighborScore*0.2,
			Battery:   robot.Status.BatterySOCPercent,
			Uptime:    robot.Status.UptimeHours,
			Neighbors: len(robot.Communication.Neighbors),
		})
	}

	// Robots() iterates in sorted-id order, so a stable sort on priority
	// keeps the lexicographic tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	return candidates
}

// holdVote simulates one RequestVote round for the top candidate. Robots
// that are disconnected or unreachable over the mesh do not respond.
func (e *Engine) holdVote(top candidate) *VoteTally {
	tally := &VoteTally{
		VotesFor: 1, // the candidate votes for itself
		VotedFor: []string{top.RobotID},
	}

	for _, robot := range e.world.Robots() {
		if robot.RobotID == top.RobotID {
			continue
		}

		if !robot.Communication.Connected || !e.world.Topology.Reachable(robot.RobotID, top.RobotID) {
			tally.NoResponse = append(tally.NoResponse, robot.RobotID)
			continue
		}

		latencyScore := math.Max(0, 1-robot.Communication.LatencyMs/100)
		voteProbability := top.Priority*0.6 + latencyScore*0.3 + e.rng.Float64()*0.1

		if e.rng.Float64() < voteProbability {
			tally.VotesFor++
			tally.VotedFor = append(tally.VotedFor, robot.RobotID)
		} else {
			tally.VotedAgainst = append(tally.VotedAgainst, robot.RobotID)
		}
	}

	return tally
}

// verifySingleLeader enforces the at-most-one-leader invariant after a
// committed election.
func (e *Engine) verifySingleLeader() error {
	leaders := 0
	for _, robot := range e.world.Robots() {
		if robot.SwarmRole.Role == types.RoleLeader {
			leaders++
		}
	}
	if leaders != 1 {
		return fmt.Errorf("committed election left %d leaders", leaders)
	}
	return nil
}

// ReplicationResult is the outcome of one log replication round.
type ReplicationResult struct {
	Success           bool           `json:"success"`
	LeaderID          string         `json:"leader_id,omitempty"`
	ReplicatedToCount int            `json:"replicated_to_count"`
	ReplicatedTo      []string       `json:"replicated_to"`
	FailedCount       int            `json:"failed_count"`
	FailedTo          []string       `json:"failed_to"`
	Majority          int            `json:"majority"`
	Committed         bool           `json:"committed"`
	Reason            string         `json:"reason,omitempty"`
	StateUpdate       map[string]any `json:"state_update,omitempty"`
}

// ReplicateState pushes a state update from the leader to every
// connected follower and reports whether a majority committed it. The
// per-follower outcome is an independent draw weighted by link quality.
func (e *Engine) ReplicateState(update map[string]any) *ReplicationResult {
	leaderID := e.world.State.LeaderID
	if e.world.Robot(leaderID) == nil {
		metrics.ReplicationsTotal.WithLabelValues("failed").Inc()
		return &ReplicationResult{
			Success: false,
			Reason:  ReasonNoLeader,
		}
	}

	result := &ReplicationResult{
		LeaderID:     leaderID,
		Majority:     e.world.Majority(),
		ReplicatedTo: []string{},
		FailedTo:     []string{},
		StateUpdate:  update,
	}

	for _, robot := range e.world.Robots() {
		if robot.RobotID == leaderID ||
			robot.SwarmRole.Role != types.RoleFollower ||
			!robot.Communication.Connected {
			continue
		}

		signalScore := math.Min(1, (robot.Communication.SignalStrengthDBm+100)/50)
		latencyScore := math.Max(0, 1-robot.Communication.LatencyMs/100)
		successProbability := signalScore*0.6 + latencyScore*0.3 + 0.1

		reachable := e.world.Topology.Reachable(leaderID, robot.RobotID)
		if reachable && e.rng.Float64() < successProbability {
			result.ReplicatedTo = append(result.ReplicatedTo, robot.RobotID)
		} else {
			result.FailedTo = append(result.FailedTo, robot.RobotID)
		}
	}

	result.ReplicatedToCount = len(result.ReplicatedTo)
	result.FailedCount = len(result.FailedTo)
	// The leader's own copy counts toward the quorum.
	result.Committed = result.ReplicatedToCount+1 >= result.Majority
	result.Success = result.Committed

	outcome := "committed"
	if !result.Committed {
		outcome = "uncommitted"
	}
	metrics.ReplicationsTotal.WithLabelValues(outcome).Inc()

	e.logger.Debug().
		Str("leader_id", leaderID).
		Int("replicated_to", result.ReplicatedToCount).
		Int("failed", result.FailedCount).
		Bool("committed", result.Committed).
		Msg("State replication round finished")

	return result
}

// RoleCounts breaks the fleet down by consensus role. Disconnected
// robots are counted separately regardless of their recorded role.
type RoleCounts struct {
	Leader       int `json:"leader"`
	Follower     int `json:"follower"`
	Candidate    int `json:"candidate"`
	Disconnected int `json:"disconnected"`
}

// HealthFactors are the boolean inputs to the consensus health score.
type HealthFactors struct {
	HasLeader        bool `json:"has_leader"`
	NoSplitBrain     bool `json:"no_split_brain"`
	HighConnectivity bool `json:"high_connectivity"`
	NoCandidates     bool `json:"no_candidates"`
}

// Status is the observable consensus state of the fleet.
type Status struct {
	CurrentTerm         int           `json:"current_term"`
	CurrentLeader       string        `json:"current_leader,omitempty"`
	TotalRobots         int           `json:"total_robots"`
	RoleCounts          RoleCounts    `json:"role_counts"`
	SplitBrain          bool          `json:"split_brain"`
	SplitBrainIncidents int           `json:"split_brain_incidents"`
	ElectionCount       int           `json:"election_count"`
	HealthScore         float64       `json:"health_score"`
	HealthFactors       HealthFactors `json:"health_factors"`
	Status              string        `json:"status"`
}

// GetStatus observes current roles, detects split-brain, and scores
// consensus health. Observing an active split-brain counts an incident.
func (e *Engine) GetStatus() Status {
	var counts RoleCounts
	for _, robot := range e.world.Robots() {
		if !robot.Communication.Connected {
			counts.Disconnected++
			continue
		}
		switch robot.SwarmRole.Role {
		case types.RoleLeader:
			counts.Leader++
		case types.RoleCandidate:
			counts.Candidate++
		default:
			counts.Follower++
		}
	}

	splitBrain := counts.Leader > 1
	if splitBrain {
		e.splitBrainIncidents++
		metrics.SplitBrainIncidentsTotal.Inc()
		e.logger.Error().Int("leaders", counts.Leader).Msg("Split-brain detected")
	}

	total := e.world.TotalRobots()
	factors := HealthFactors{
		HasLeader:        counts.Leader == 1,
		NoSplitBrain:     !splitBrain,
		HighConnectivity: float64(counts.Disconnected) < float64(total)*0.2,
		NoCandidates:     counts.Candidate == 0,
	}

	score := 0.0
	for _, ok := range []bool{factors.HasLeader, factors.NoSplitBrain, factors.HighConnectivity, factors.NoCandidates} {
		if ok {
			score += 0.25
		}
	}

	status := StatusCritical
	switch {
	case score >= 0.75:
		status = StatusHealthy
	case score >= 0.5:
		status = StatusWarning
	}
	// An active split-brain is critical whatever the score.
	if splitBrain {
		status = StatusCritical
	}

	metrics.ConsensusHealthScore.Set(score)
	metrics.RobotsDisconnected.Set(float64(counts.Disconnected))

	return Status{
		CurrentTerm:         e.world.State.ConsensusTerm,
		CurrentLeader:       e.world.State.LeaderID,
		TotalRobots:         total,
		RoleCounts:          counts,
		SplitBrain:          splitBrain,
		SplitBrainIncidents: e.splitBrainIncidents,
		ElectionCount:       e.electionCount,
		HealthScore:         score,
		HealthFactors:       factors,
		Status:              status,
	}
}
