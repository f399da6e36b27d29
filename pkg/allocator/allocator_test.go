package allocator

import (
	"testing"
	"time"

	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)

func idleRobot(id string, rtype types.RobotType, lat, lon, battery float64) *types.Robot {
	return &types.Robot{
		RobotID:  id,
		Type:     rtype,
		Position: types.Position{Lat: lat, Lon: lon},
		Status: types.Status{
			Operational:       types.OperationalIdle,
			BatterySOCPercent: battery,
		},
		Communication: types.Communication{Connected: true},
		SwarmRole:     types.SwarmRole{Role: types.RoleFollower, LastHeartbeat: testNow},
	}
}

func harvestTask(id string, lat, lon float64) *types.Task {
	return &types.Task{
		TaskID:   id,
		TaskType: "harvest",
		Priority: types.PriorityMedium,
		Status:   types.TaskStatusOpen,
		Requirements: types.TaskRequirements{
			RobotType:                types.RobotTypeHarvester,
			MinBatteryPercent:        50,
			EstimatedDurationMinutes: 30,
		},
		Location: &types.TaskLocation{Centroid: &types.LatLon{Lat: lat, Lon: lon}},
	}
}

func buildWorld(t *testing.T, robots []*types.Robot, tasks []*types.Task) *world.World {
	t.Helper()
	w, err := world.New(&types.Snapshot{
		Timestamp:  testNow,
		Robots:     robots,
		SwarmState: types.SwarmState{Timestamp: testNow},
		TaskPool:   tasks,
	})
	require.NoError(t, err)
	return w
}

func newAllocator(w *world.World) *Allocator {
	return New(w, config.Default())
}

func TestComputeBidEligibility(t *testing.T) {
	task := harvestTask("T1", -22.7010, -47.6000)

	tests := []struct {
		name     string
		mutate   func(r *types.Robot)
		eligible bool
	}{
		{
			name:     "eligible idle harvester",
			mutate:   func(r *types.Robot) {},
			eligible: true,
		},
		{
			name:     "wrong robot type",
			mutate:   func(r *types.Robot) { r.Type = types.RobotTypeTransport },
			eligible: false,
		},
		{
			name:     "battery below requirement",
			mutate:   func(r *types.Robot) { r.Status.BatterySOCPercent = 40 },
			eligible: false,
		},
		{
			name:     "charging robot cannot bid",
			mutate:   func(r *types.Robot) { r.Status.Operational = types.OperationalCharging },
			eligible: false,
		},
		{
			name:     "faulted robot cannot bid",
			mutate:   func(r *types.Robot) { r.Status.Operational = types.OperationalFault },
			eligible: false,
		},
		{
			name:     "disconnected robot cannot bid",
			mutate:   func(r *types.Robot) { r.Communication.Connected = false },
			eligible: false,
		},
		{
			name:     "working robot may still bid",
			mutate:   func(r *types.Robot) { r.Status.Operational = types.OperationalWorking },
			eligible: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			robot := idleRobot("H1", types.RobotTypeHarvester, -22.7000, -47.6000, 80)
			tt.mutate(robot)
			w := buildWorld(t, []*types.Robot{robot}, nil)

			bid := newAllocator(w).ComputeBid(robot, task)
			if tt.eligible {
				require.NotNil(t, bid)
				assert.GreaterOrEqual(t, bid.BidValue, 0.0)
				assert.LessOrEqual(t, bid.BidValue, 1.0)
			} else {
				assert.Nil(t, bid)
			}
		})
	}
}

func TestComputeBidEnergyMargin(t *testing.T) {
	// Battery 50% of 10 kWh leaves 4 kWh usable after the 20% reserve; a
	// four-hour harvest needs 4.8 kWh and must be refused.
	robot := idleRobot("H1", types.RobotTypeHarvester, -22.7000, -47.6000, 50)
	task := harvestTask("T1", -22.7000, -47.6000)
	task.Requirements.EstimatedDurationMinutes = 240

	w := buildWorld(t, []*types.Robot{robot}, nil)
	assert.Nil(t, newAllocator(w).ComputeBid(robot, task))

	// A one-hour harvest (1.2 kWh plus travel) fits comfortably.
	task.Requirements.EstimatedDurationMinutes = 60
	assert.NotNil(t, newAllocator(w).ComputeBid(robot, task))
}

func TestComputeBidTransportCargoEnergy(t *testing.T) {
	robot := idleRobot("TR1", types.RobotTypeTransport, 0, 0, 90)
	task := &types.Task{
		TaskID:   "T1",
		TaskType: "transport",
		Priority: types.PriorityLow,
		Status:   types.TaskStatusOpen,
		Requirements: types.TaskRequirements{
			RobotType:                types.RobotTypeTransport,
			MinBatteryPercent:        20,
			EstimatedDurationMinutes: 60,
		},
		Route: &types.TaskRoute{Origin: types.LatLon{Lat: 0, Lon: 0}},
	}

	w := buildWorld(t, []*types.Robot{robot}, nil)
	a := newAllocator(w)

	// Default cargo of 200 kg: 1h * 0.6 kW * 1.4 = 0.84 kWh task energy.
	bid := a.ComputeBid(robot, task)
	require.NotNil(t, bid)
	assert.InDelta(t, 0.84, bid.EstimatedCostKWh, 0.01)

	// Heavier cargo costs more.
	task.Cargo = &types.Cargo{MassKg: 500}
	heavy := a.ComputeBid(robot, task)
	require.NotNil(t, heavy)
	assert.InDelta(t, 1.2, heavy.EstimatedCostKWh, 0.01)
}

func TestComputeBidLocationResolution(t *testing.T) {
	robot := idleRobot("H1", types.RobotTypeHarvester, 0, 0, 90)
	lat, lon := 0.01, 0.0 // ~1.1 km north

	base := types.TaskRequirements{
		RobotType:                types.RobotTypeHarvester,
		MinBatteryPercent:        20,
		EstimatedDurationMinutes: 10,
	}

	tests := []struct {
		name       string
		task       *types.Task
		expectedKm float64
	}{
		{
			name: "centroid",
			task: &types.Task{TaskID: "T", Requirements: base,
				Location: &types.TaskLocation{Centroid: &types.LatLon{Lat: lat, Lon: lon}}},
			expectedKm: 1.112,
		},
		{
			name: "origin",
			task: &types.Task{TaskID: "T", Requirements: base,
				Location: &types.TaskLocation{Origin: &types.LatLon{Lat: lat, Lon: lon}}},
			expectedKm: 1.112,
		},
		{
			name: "direct coordinates",
			task: &types.Task{TaskID: "T", Requirements: base,
				Location: &types.TaskLocation{Lat: &lat, Lon: &lon}},
			expectedKm: 1.112,
		},
		{
			name: "route origin",
			task: &types.Task{TaskID: "T", Requirements: base,
				Route: &types.TaskRoute{Origin: types.LatLon{Lat: lat, Lon: lon}}},
			expectedKm: 1.112,
		},
		{
			name:       "no location falls back to the default",
			task:       &types.Task{TaskID: "T", Requirements: base},
			expectedKm: 0.1,
		},
	}

	w := buildWorld(t, []*types.Robot{robot}, nil)
	a := newAllocator(w)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bid := a.ComputeBid(robot, tt.task)
			require.NotNil(t, bid)
			assert.InDelta(t, tt.expectedKm, bid.DistanceKm, 0.01)
		})
	}
}

// TestAuctionScenario: two harvesters bid on a nearby task; the closer,
// better-charged one wins and both sides of the match are recorded.
func TestAuctionScenario(t *testing.T) {
	h1 := idleRobot("H1", types.RobotTypeHarvester, -22.7000, -47.6000, 80)
	h2 := idleRobot("H2", types.RobotTypeHarvester, -22.7050, -47.6000, 60)
	task := harvestTask("T1", -22.7010, -47.6000)

	w := buildWorld(t, []*types.Robot{h1, h2}, []*types.Task{task})
	result := newAllocator(w).RunAuction(task)

	require.True(t, result.Success)
	assert.Equal(t, "H1", result.Winner.RobotID)
	assert.Equal(t, 2, result.BidsReceived)

	assert.Equal(t, types.TaskStatusAllocated, task.Status)
	assert.Equal(t, "H1", task.AllocatedTo)
	require.NotNil(t, h1.TaskAssignment)
	assert.Equal(t, "T1", h1.TaskAssignment.TaskID)
	assert.Nil(t, h2.TaskAssignment)

	// The winner's bid dominates every other bid.
	for _, bid := range result.AllBids {
		assert.GreaterOrEqual(t, result.Winner.BidValue, bid.BidValue)
	}
}

func TestAuctionTieBreakLexicographic(t *testing.T) {
	// Identical robots produce identical bids; the smaller id wins.
	a1 := idleRobot("H-B", types.RobotTypeHarvester, 0, 0, 80)
	a2 := idleRobot("H-A", types.RobotTypeHarvester, 0, 0, 80)
	task := harvestTask("T1", 0, 0)

	w := buildWorld(t, []*types.Robot{a1, a2}, []*types.Task{task})
	result := newAllocator(w).RunAuction(task)

	require.True(t, result.Success)
	assert.Equal(t, "H-A", result.Winner.RobotID)
}

func TestAuctionNoBids(t *testing.T) {
	transporter := idleRobot("TR1", types.RobotTypeTransport, 0, 0, 90)
	task := harvestTask("T1", 0, 0) // wants a harvester

	w := buildWorld(t, []*types.Robot{transporter}, []*types.Task{task})
	result := newAllocator(w).RunAuction(task)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonNoBids, result.Reason)
	assert.Equal(t, types.TaskStatusOpen, task.Status)
}

// TestGreedyAssignmentConflict: T1 is only feasible for R1, both robots
// can take T2. The pass must settle on T1->R1, T2->R2.
func TestGreedyAssignmentConflict(t *testing.T) {
	r1 := idleRobot("R1", types.RobotTypeTransport, 0, 0, 80)
	r2 := idleRobot("R2", types.RobotTypeTransport, 0, 0, 60)

	t1 := &types.Task{
		TaskID: "T1", TaskType: "transport", Priority: types.PriorityHigh,
		Status: types.TaskStatusOpen,
		Requirements: types.TaskRequirements{
			RobotType:                types.RobotTypeTransport,
			MinBatteryPercent:        70, // excludes R2
			EstimatedDurationMinutes: 20,
		},
		Route: &types.TaskRoute{Origin: types.LatLon{}},
	}
	t2 := &types.Task{
		TaskID: "T2", TaskType: "transport", Priority: types.PriorityLow,
		Status: types.TaskStatusOpen,
		Requirements: types.TaskRequirements{
			RobotType:                types.RobotTypeTransport,
			MinBatteryPercent:        50,
			EstimatedDurationMinutes: 20,
		},
		Route: &types.TaskRoute{Origin: types.LatLon{}},
	}

	w := buildWorld(t, []*types.Robot{r1, r2}, []*types.Task{t1, t2})
	result := newAllocator(w).RunAssignment([]*types.Task{t1, t2})

	require.True(t, result.Success)
	assert.Equal(t, "R1", result.Assignments["T1"])
	assert.Equal(t, "R2", result.Assignments["T2"])
	assert.Equal(t, 2, result.TasksAssigned)

	assert.Equal(t, "T1", r1.TaskAssignment.TaskID)
	assert.Equal(t, "T2", r2.TaskAssignment.TaskID)
}

func TestGreedyAssignmentOneTaskPerRobot(t *testing.T) {
	r1 := idleRobot("R1", types.RobotTypeHarvester, 0, 0, 90)
	r2 := idleRobot("R2", types.RobotTypeHarvester, 0, 0, 85)
	tasks := []*types.Task{
		harvestTask("T1", 0, 0),
		harvestTask("T2", 0, 0),
		harvestTask("T3", 0, 0),
	}

	w := buildWorld(t, []*types.Robot{r1, r2}, tasks)
	result := newAllocator(w).RunAssignment(tasks)

	assert.Equal(t, 2, result.TasksAssigned, "two robots can carry at most two tasks")

	seen := map[string]int{}
	unassigned := 0
	for _, robotID := range result.Assignments {
		if robotID == "" {
			unassigned++
			continue
		}
		seen[robotID]++
	}
	assert.Equal(t, 1, unassigned)
	for robotID, count := range seen {
		assert.Equal(t, 1, count, "robot %s took more than one task", robotID)
	}
}

func TestAllocateTasksInvalidMethod(t *testing.T) {
	w := buildWorld(t, nil, []*types.Task{harvestTask("T1", 0, 0)})

	result := newAllocator(w).AllocateTasks("simulated-annealing")
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidMethod, result.Reason)
	assert.Equal(t, []string{MethodAuction, MethodHungarian}, result.ValidMethods)
}

func TestAllocateTasksNoOpenTasks(t *testing.T) {
	task := harvestTask("T1", 0, 0)
	task.Status = types.TaskStatusComplete
	w := buildWorld(t, nil, []*types.Task{task})

	result := newAllocator(w).AllocateTasks(MethodAuction)
	assert.True(t, result.Success)
	assert.Equal(t, ReasonNoOpenTasks, result.Reason)
	assert.Equal(t, 0, result.TasksProcessed)
}

func TestAllocateTasksAuctionBatch(t *testing.T) {
	// Each harvester is decisively closest to one task, so the pool
	// order cannot hand both tasks to the same robot.
	h1 := idleRobot("H1", types.RobotTypeHarvester, 0, 0, 90)
	h2 := idleRobot("H2", types.RobotTypeHarvester, 0.01, 0, 88)
	tasks := []*types.Task{harvestTask("T1", 0, 0), harvestTask("T2", 0.01, 0)}

	w := buildWorld(t, []*types.Robot{h1, h2}, tasks)
	result := newAllocator(w).AllocateTasks(MethodAuction)

	require.True(t, result.Success)
	assert.Equal(t, 2, result.TasksProcessed)
	assert.Equal(t, 2, result.TasksAllocated)
	assert.Len(t, result.AuctionResults, 2)

	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusAllocated, task.Status)
		assert.NotEmpty(t, task.AllocatedTo)
		winner := w.Robot(task.AllocatedTo)
		require.NotNil(t, winner.TaskAssignment)
		assert.Equal(t, task.TaskID, winner.TaskAssignment.TaskID)
	}
}

func TestGetStatistics(t *testing.T) {
	idle := idleRobot("R1", types.RobotTypeHarvester, 0, 0, 90)
	working := idleRobot("R2", types.RobotTypeHarvester, 0, 0, 90)
	working.TaskAssignment = &types.TaskAssignment{TaskID: "T1", ProgressPercent: 40}
	overloaded := idleRobot("R3", types.RobotTypeHarvester, 0, 0, 90)
	overloaded.TaskAssignment = &types.TaskAssignment{TaskID: "T2", ProgressPercent: 90}

	tasks := []*types.Task{
		{TaskID: "T1", Priority: types.PriorityLow, Status: types.TaskStatusInProgress},
		{TaskID: "T2", Priority: types.PriorityHigh, Status: types.TaskStatusInProgress},
		{TaskID: "T3", Priority: types.PriorityHigh, Status: types.TaskStatusOpen},
	}

	w := buildWorld(t, []*types.Robot{idle, working, overloaded}, tasks)
	stats := newAllocator(w).GetStatistics()

	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.RobotWorkload.Idle)
	assert.Equal(t, 1, stats.RobotWorkload.Working)
	assert.Equal(t, 1, stats.RobotWorkload.Overloaded)
	assert.Equal(t, 1, stats.IdleRobots)
	assert.InDelta(t, 66.7, stats.UtilizationPercent, 0.1)
	assert.Equal(t, StatusGood, stats.Status)
	// Priorities 1, 3, 3 average to 2.33.
	assert.InDelta(t, 2.33, stats.AveragePriority, 0.01)
	assert.Equal(t, 2, stats.StatusDistribution[types.TaskStatusInProgress])
	assert.Equal(t, 1, stats.StatusDistribution[types.TaskStatusOpen])
}

func TestGetStatisticsUtilizationThresholds(t *testing.T) {
	tests := []struct {
		name     string
		working  int
		total    int
		expected string
	}{
		{name: "optimal", working: 3, total: 4, expected: StatusOptimal},
		{name: "good", working: 3, total: 5, expected: StatusGood},
		{name: "underutilized", working: 1, total: 4, expected: StatusUnderutilized},
		{name: "empty fleet", working: 0, total: 0, expected: StatusUnderutilized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var robots []*types.Robot
			for i := 0; i < tt.total; i++ {
				r := idleRobot(string(rune('A'+i)), types.RobotTypeHarvester, 0, 0, 90)
				if i < tt.working {
					r.TaskAssignment = &types.TaskAssignment{TaskID: "T", ProgressPercent: 10}
				}
				robots = append(robots, r)
			}

			w := buildWorld(t, robots, nil)
			assert.Equal(t, tt.expected, newAllocator(w).GetStatistics().Status)
		})
	}
}
