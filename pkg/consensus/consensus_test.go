package consensus

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/topology"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)

// fleetRobot builds a connected, idle robot with sane defaults.
func fleetRobot(id string, battery, uptime float64, neighbors []string) *types.Robot {
	return &types.Robot{
		RobotID: id,
		Type:    types.RobotTypeHarvester,
		Status: types.Status{
			Operational:       types.OperationalIdle,
			BatterySOCPercent: battery,
			UptimeHours:       uptime,
		},
		Communication: types.Communication{
			Connected:         true,
			SignalStrengthDBm: -50,
			LatencyMs:         0,
			Neighbors:         neighbors,
		},
		SwarmRole: types.SwarmRole{
			Role:          types.RoleFollower,
			Term:          3,
			LastHeartbeat: testNow,
		},
	}
}

func fullMesh(ids []string) []topology.Edge {
	var edges []topology.Edge
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			edges = append(edges, topology.Edge{From: ids[i], To: ids[j]})
		}
	}
	return edges
}

// electionFleet is the five-robot fleet used across the election tests:
// batteries {80, 75, 90, 60, 50}, uptimes {8, 10, 12, 4, 6} h, fully
// connected mesh, current term 3.
func electionFleet(t *testing.T) *world.World {
	t.Helper()

	ids := []string{"R1", "R2", "R3", "R4", "R5"}
	batteries := []float64{80, 75, 90, 60, 50}
	uptimes := []float64{8, 10, 12, 4, 6}

	var robots []*types.Robot
	for i, id := range ids {
		var others []string
		for _, other := range ids {
			if other != id {
				others = append(others, other)
			}
		}
		robots = append(robots, fleetRobot(id, batteries[i], uptimes[i], others))
	}
	robots[0].SwarmRole.Role = types.RoleLeader

	snap := &types.Snapshot{
		Timestamp: testNow,
		Robots:    robots,
		SwarmState: types.SwarmState{
			LeaderID:      "R1",
			ConsensusTerm: 3,
			Timestamp:     testNow,
		},
		SwarmConfig: types.SwarmConfig{
			HeartbeatIntervalSeconds: 1.0,
			ElectionTimeoutSeconds:   5.0,
		},
	}
	snap.NetworkTopology.Graph.Edges = fullMesh(ids)

	w, err := world.New(snap)
	require.NoError(t, err)
	return w
}

func newEngine(w *world.World, seed int64) *Engine {
	return New(w, config.Default(), rand.New(rand.NewSource(seed)))
}

func TestCheckLeaderHealth(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(w *world.World)
		healthy  bool
		reason   string
	}{
		{
			name:    "healthy leader",
			mutate:  func(w *world.World) {},
			healthy: true,
		},
		{
			name:   "no leader set",
			mutate: func(w *world.World) { w.State.LeaderID = "" },
			reason: ReasonNoLeader,
		},
		{
			name:   "leader not in robot set",
			mutate: func(w *world.World) { w.State.LeaderID = "GHOST" },
			reason: ReasonNoLeader,
		},
		{
			name: "leader disconnected",
			mutate: func(w *world.World) {
				w.Robot("R1").Communication.Connected = false
			},
			reason: ReasonLeaderDisconnected,
		},
		{
			name: "leader in fault state",
			mutate: func(w *world.World) {
				w.Robot("R1").Status.Operational = types.OperationalFault
			},
			reason: ReasonLeaderNotOperational,
		},
		{
			name: "heartbeat stale",
			mutate: func(w *world.World) {
				w.Robot("R1").SwarmRole.LastHeartbeat = testNow.Add(-10 * time.Second)
			},
			reason: ReasonHeartbeatTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := electionFleet(t)
			tt.mutate(w)

			report := newEngine(w, 1).CheckLeaderHealth()
			assert.Equal(t, tt.healthy, report.Healthy)
			assert.Equal(t, tt.reason, report.Reason)
			if !tt.healthy {
				assert.Equal(t, ActionTriggerElection, report.Action)
			}
		})
	}
}

func TestCheckLeaderHealthReportsElapsed(t *testing.T) {
	w := electionFleet(t)
	w.Robot("R1").SwarmRole.LastHeartbeat = testNow.Add(-10 * time.Second)

	report := newEngine(w, 1).CheckLeaderHealth()
	assert.False(t, report.Healthy)
	assert.Equal(t, "R1", report.LeaderID)
	assert.InDelta(t, 10.0, report.TimeSinceHeartbeatS, 0.001)
	assert.True(t, report.Connected)
	assert.True(t, report.Operational)
	assert.False(t, report.HeartbeatRecent)
}

// TestElectionScenario runs the stale-heartbeat election scenario across
// a sweep of seeds. The vote simulation is probabilistic, so individual
// seeds may fail with no_majority; the invariants must hold either way
// and the overwhelming majority of seeds must elect.
func TestElectionScenario(t *testing.T) {
	successes := 0

	for seed := int64(1); seed <= 10; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			w := electionFleet(t)
			w.Robot("R1").SwarmRole.LastHeartbeat = testNow.Add(-10 * time.Second)
			engine := newEngine(w, seed)

			health := engine.CheckLeaderHealth()
			require.False(t, health.Healthy)
			require.Equal(t, ReasonHeartbeatTimeout, health.Reason)

			result, err := engine.TriggerElection()
			require.NoError(t, err)

			assert.Equal(t, 4, result.Term)
			assert.Equal(t, 4, w.State.ConsensusTerm)
			assert.Equal(t, 3, result.Majority)
			assert.Equal(t, 5, result.TotalRobots)
			// R3 has the top priority score (battery 90, uptime 12 h).
			assert.Equal(t, "R3", result.Candidate)

			if result.Success {
				successes++
				assert.Equal(t, "R3", result.NewLeader)
				assert.Equal(t, "R3", w.State.LeaderID)
				assert.GreaterOrEqual(t, result.VotesReceived, result.Majority)

				leaders := 0
				for _, robot := range w.Robots() {
					assert.Equal(t, 4, robot.SwarmRole.Term)
					if robot.SwarmRole.Role == types.RoleLeader {
						leaders++
						assert.Equal(t, "R3", robot.RobotID)
					}
				}
				assert.Equal(t, 1, leaders)
			} else {
				assert.Equal(t, ReasonNoMajority, result.Reason)
				assert.Equal(t, ActionRetryElection, result.Action)
			}
		})
	}

	assert.GreaterOrEqual(t, successes, 8, "elections should almost always reach majority in a healthy full mesh")
}

func TestElectionNoMajorityWhenFleetDisconnected(t *testing.T) {
	w := electionFleet(t)
	// Only R2 and R3 remain connected; two votes can never reach the
	// majority of three, whatever the dice say.
	for _, id := range []string{"R1", "R4", "R5"} {
		w.Robot(id).Communication.Connected = false
	}

	engine := newEngine(w, 7)
	result, err := engine.TriggerElection()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonNoMajority, result.Reason)
	assert.Equal(t, ActionRetryElection, result.Action)
	assert.Equal(t, 4, result.Term)
	assert.Equal(t, 4, w.State.ConsensusTerm)

	// Only the candidate records its vote; everyone else is untouched.
	candidate := w.Robot(result.Candidate)
	assert.Equal(t, result.Candidate, candidate.SwarmRole.VotedFor)
	assert.Equal(t, 4, candidate.SwarmRole.Term)
	for _, robot := range w.Robots() {
		if robot.RobotID == result.Candidate {
			continue
		}
		assert.Empty(t, robot.SwarmRole.VotedFor, "robot %s should not have voted", robot.RobotID)
		assert.Equal(t, 3, robot.SwarmRole.Term)
	}
}

func TestElectionNoViableCandidates(t *testing.T) {
	w := electionFleet(t)
	for _, robot := range w.Robots() {
		robot.Status.BatterySOCPercent = 10
	}

	result, err := newEngine(w, 1).TriggerElection()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonNoViableCandidates, result.Reason)
	// The term bump was committed before the candidate search.
	assert.Equal(t, 4, result.Term)
}

func TestElectionEmptyFleet(t *testing.T) {
	w, err := world.New(&types.Snapshot{SwarmState: types.SwarmState{ConsensusTerm: 2, Timestamp: testNow}})
	require.NoError(t, err)

	result, err := newEngine(w, 1).TriggerElection()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Term, "an empty fleet is a no-op, the term stays put")
	assert.Equal(t, 2, w.State.ConsensusTerm)
}

func TestElectionSingleRobotFleet(t *testing.T) {
	// Majority of one is one; the candidate's self-vote elects it
	// deterministically.
	r := fleetRobot("SOLO", 95, 12, nil)
	snap := &types.Snapshot{
		Timestamp:  testNow,
		Robots:     []*types.Robot{r},
		SwarmState: types.SwarmState{ConsensusTerm: 0, Timestamp: testNow},
	}
	w, err := world.New(snap)
	require.NoError(t, err)

	result, err := newEngine(w, 42).TriggerElection()
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "SOLO", result.NewLeader)
	assert.Equal(t, 1, result.Term)
	assert.Equal(t, types.RoleLeader, r.SwarmRole.Role)
	assert.Equal(t, "SOLO", r.SwarmRole.VotedFor)
}

func TestElectionSkipsUnreachableVoters(t *testing.T) {
	ids := []string{"R1", "R2", "R3"}
	var robots []*types.Robot
	for _, id := range ids {
		robots = append(robots, fleetRobot(id, 90, 12, ids))
	}
	snap := &types.Snapshot{
		Timestamp:  testNow,
		Robots:     robots,
		SwarmState: types.SwarmState{ConsensusTerm: 0, Timestamp: testNow},
	}
	// No edges at all: nobody can reach the candidate.
	w, err := world.New(snap)
	require.NoError(t, err)

	result, err := newEngine(w, 3).TriggerElection()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.VotesReceived, "only the self-vote")
	assert.Len(t, result.VoteDetails.NoResponse, 2)
}

func TestTermMonotonicAcrossFailures(t *testing.T) {
	w := electionFleet(t)
	for _, id := range []string{"R1", "R4", "R5"} {
		w.Robot(id).Communication.Connected = false
	}
	engine := newEngine(w, 5)

	before := w.State.ConsensusTerm
	for i := 0; i < 3; i++ {
		_, err := engine.TriggerElection()
		require.NoError(t, err)
		assert.Greater(t, w.State.ConsensusTerm, before)
		before = w.State.ConsensusTerm
	}
	assert.Equal(t, 6, w.State.ConsensusTerm)
}

func TestReplicateStateCommits(t *testing.T) {
	w := electionFleet(t)
	// R1 is the leader; all followers have perfect links (signal -50 dBm,
	// zero latency), which makes the per-follower success probability 1.
	update := map[string]any{"type": "task_assignment", "task_id": "TASK-001"}

	result := newEngine(w, 9).ReplicateState(update)

	assert.True(t, result.Success)
	assert.True(t, result.Committed)
	assert.Equal(t, "R1", result.LeaderID)
	assert.Equal(t, 4, result.ReplicatedToCount)
	assert.Empty(t, result.FailedTo)
	assert.Equal(t, 3, result.Majority)
	assert.Equal(t, update, result.StateUpdate)
}

func TestReplicateStateNoLeader(t *testing.T) {
	w := electionFleet(t)
	w.State.LeaderID = ""

	result := newEngine(w, 1).ReplicateState(nil)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonNoLeader, result.Reason)
}

func TestReplicateStateUnreachableFollowersFail(t *testing.T) {
	ids := []string{"L", "F1", "F2", "F3", "F4"}
	var robots []*types.Robot
	for _, id := range ids {
		robots = append(robots, fleetRobot(id, 90, 12, nil))
	}
	robots[0].SwarmRole.Role = types.RoleLeader
	snap := &types.Snapshot{
		Timestamp:  testNow,
		Robots:     robots,
		SwarmState: types.SwarmState{LeaderID: "L", ConsensusTerm: 1, Timestamp: testNow},
	}
	// Only F1 has a path to the leader.
	snap.NetworkTopology.Graph.Edges = []topology.Edge{{From: "L", To: "F1"}}
	w, err := world.New(snap)
	require.NoError(t, err)

	result := newEngine(w, 2).ReplicateState(map[string]any{"k": "v"})

	assert.False(t, result.Committed, "1 follower + leader is short of the majority of 3")
	assert.Equal(t, []string{"F1"}, result.ReplicatedTo)
	assert.Len(t, result.FailedTo, 3)
}

func TestGetStatusHealthy(t *testing.T) {
	w := electionFleet(t)
	engine := newEngine(w, 1)

	status := engine.GetStatus()
	assert.Equal(t, 1, status.RoleCounts.Leader)
	assert.Equal(t, 4, status.RoleCounts.Follower)
	assert.False(t, status.SplitBrain)
	assert.Equal(t, 1.0, status.HealthScore)
	assert.Equal(t, StatusHealthy, status.Status)
}

func TestGetStatusSplitBrain(t *testing.T) {
	w := electionFleet(t)
	w.Robot("R2").SwarmRole.Role = types.RoleLeader // second leader

	engine := newEngine(w, 1)
	status := engine.GetStatus()

	assert.True(t, status.SplitBrain)
	assert.Equal(t, 2, status.RoleCounts.Leader)
	assert.Equal(t, 1, status.SplitBrainIncidents)
	assert.Equal(t, StatusCritical, status.Status)
	assert.False(t, status.HealthFactors.HasLeader)
	assert.False(t, status.HealthFactors.NoSplitBrain)
}

func TestGetStatusIdempotentWithoutMutation(t *testing.T) {
	w := electionFleet(t)
	engine := newEngine(w, 1)

	first := engine.GetStatus()
	second := engine.GetStatus()
	assert.Equal(t, first, second)
}

func TestGetStatusCountsDisconnectedSeparately(t *testing.T) {
	w := electionFleet(t)
	w.Robot("R1").Communication.Connected = false // the recorded leader

	status := newEngine(w, 1).GetStatus()
	assert.Equal(t, 0, status.RoleCounts.Leader)
	assert.Equal(t, 1, status.RoleCounts.Disconnected)
	assert.False(t, status.HealthFactors.HasLeader)
	// 2 of 4 factors hold (no split brain, no candidates): WARNING.
	assert.Equal(t, 0.5, status.HealthScore)
	assert.Equal(t, StatusWarning, status.Status)
}

func TestElectionCountSeededFromSnapshot(t *testing.T) {
	w := electionFleet(t)
	w.ElectionCount = 7

	engine := newEngine(w, 1)
	_, err := engine.TriggerElection()
	require.NoError(t, err)

	assert.Equal(t, 8, engine.GetStatus().ElectionCount)
}
