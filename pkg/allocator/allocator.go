package allocator

import (
	"math"
	"sort"

	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/geo"
	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/avilaops/canaswarm/pkg/metrics"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/rs/zerolog"
)

// Allocation methods accepted by AllocateTasks.
const (
	MethodAuction   = "auction"
	MethodHungarian = "hungarian"
)

// Failure reasons reported by the allocator.
const (
	ReasonNoBids        = "no_bids"
	ReasonNoOpenTasks   = "no_open_tasks"
	ReasonInvalidMethod = "invalid_method"
)

// Fleet utilization status thresholds.
const (
	StatusOptimal       = "OPTIMAL"
	StatusGood          = "GOOD"
	StatusUnderutilized = "UNDERUTILIZED"
)

// defaultDistanceKm is assumed when a task carries no usable location.
const defaultDistanceKm = 0.1

// Allocator matches pending work to the robots best placed to execute
// it, through per-task auctions or a batch min-cost pass. It mutates
// only task records and the task_assignment slice of robot state.
type Allocator struct {
	world  *world.World
	cfg    config.Config
	logger zerolog.Logger

	tasksAllocated int
}

// New creates a task allocator over a world model.
func New(w *world.World, cfg config.Config) *Allocator {
	return &Allocator{
		world:  w,
		cfg:    cfg,
		logger: log.WithComponent("allocator"),
	}
}

// ComputeBid returns the robot's bid for a task, or nil when the robot
// is ineligible: wrong type, low battery, busy beyond working/idle,
// disconnected, or the projected energy spend would eat into the 20%
// reserve.
func (a *Allocator) ComputeBid(robot *types.Robot, task *types.Task) *types.Bid {
	req := task.Requirements

	if robot.Type != req.RobotType {
		return nil
	}
	if robot.Status.BatterySOCPercent < req.MinBatteryPercent {
		return nil
	}
	if robot.Status.Operational != types.OperationalWorking &&
		robot.Status.Operational != types.OperationalIdle {
		return nil
	}
	if !robot.Communication.Connected {
		return nil
	}

	distanceKm := defaultDistanceKm
	if loc, ok := task.Coordinates(); ok {
		distanceKm = geo.Haversine(robot.Position.Lat, robot.Position.Lon, loc.Lat, loc.Lon) / 1000
	}

	speedKmh := a.cfg.TransportSpeedKmh
	if robot.Type == types.RobotTypeHarvester {
		speedKmh = a.cfg.HarvesterSpeedKmh
	}
	durationH := req.EstimatedDurationMinutes / 60
	totalTimeH := distanceKm/speedKmh + durationH

	energyPerKm := 0.2
	if robot.Type == types.RobotTypeHarvester {
		energyPerKm = 0.3
	}
	travelEnergyKWh := distanceKm * energyPerKm

	var taskEnergyKWh float64
	switch robot.Type {
	case types.RobotTypeHarvester:
		taskEnergyKWh = durationH * 1.2
	case types.RobotTypeTransport:
		cargoMassKg := a.cfg.DefaultCargoMassKg
		if task.Cargo != nil {
			cargoMassKg = task.Cargo.MassKg
		}
		taskEnergyKWh = durationH * 0.6 * (1 + cargoMassKg/500)
	default:
		taskEnergyKWh = durationH * 0.4
	}

	totalEnergyKWh := travelEnergyKWh + taskEnergyKWh
	availableKWh := robot.Status.BatterySOCPercent / 100 * a.cfg.BatteryCapacityKWh
	if totalEnergyKWh > availableKWh*a.cfg.EnergyMarginFrac {
		return nil
	}

	distanceScore := math.Max(0, 1-distanceKm/5)
	batteryScore := robot.Status.BatterySOCPercent / 100
	workloadScore := 1.0
	if robot.TaskAssignment != nil {
		workloadScore = 1 - robot.TaskAssignment.ProgressPercent/100
	}
	priorityScore := 0.5
	if s, ok := priorityScores[task.Priority]; ok {
		priorityScore = s
	}

	return &types.Bid{
		RobotID:              robot.RobotID,
		BidValue:             distanceScore*0.4 + batteryScore*0.3 + workloadScore*0.2 + priorityScore*0.1,
		EstimatedCostKWh:     totalEnergyKWh,
		EstimatedTimeMinutes: totalTimeH * 60,
		DistanceKm:           distanceKm,
		Components: types.BidComponents{
			DistanceScore: distanceScore,
			BatteryScore:  batteryScore,
			WorkloadScore: workloadScore,
			PriorityScore: priorityScore,
		},
	}
}

var priorityScores = map[types.TaskPriority]float64{
	types.PriorityLow:    0.5,
	types.PriorityMedium: 0.75,
	types.PriorityHigh:   1.0,
}

// AuctionResult is the outcome of a single-task auction.
type AuctionResult struct {
	Success          bool         `json:"success"`
	TaskID           string       `json:"task_id"`
	Winner           *types.Bid   `json:"winner,omitempty"`
	BidsReceived     int          `json:"bids_received"`
	AllBids          []*types.Bid `json:"all_bids,omitempty"`
	AllocationMethod string       `json:"allocation_method,omitempty"`
	Reason           string       `json:"reason,omitempty"`
}

// RunAuction collects bids from the whole fleet for one task and
// allocates it to the highest bidder; ties go to the lexicographically
// smaller robot id. The winner's task assignment and the task record are
// updated in place.
func (a *Allocator) RunAuction(task *types.Task) *AuctionResult {
	var bids []*types.Bid
	for _, robot := range a.world.Robots() {
		if bid := a.ComputeBid(robot, task); bid != nil {
			bids = append(bids, bid)
		}
	}

	if len(bids) == 0 {
		metrics.AuctionsFailedTotal.WithLabelValues(ReasonNoBids).Inc()
		return &AuctionResult{
			Success: false,
			TaskID:  task.TaskID,
			Reason:  ReasonNoBids,
		}
	}

	// Bids arrive in sorted-robot-id order; the stable sort preserves
	// that order among equal values, which is the tie-break.
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].BidValue > bids[j].BidValue
	})

	winner := bids[0]
	a.assign(task, winner)
	if len(bids) > 5 {
		task.Bids = bids[:5]
	} else {
		task.Bids = bids
	}

	metrics.TasksAllocatedTotal.WithLabelValues(MethodAuction).Inc()
	a.logger.Info().
		Str("task_id", task.TaskID).
		Str("winner", winner.RobotID).
		Float64("bid_value", winner.BidValue).
		Int("bids", len(bids)).
		Msg("Auction settled")

	return &AuctionResult{
		Success:          true,
		TaskID:           task.TaskID,
		Winner:           winner,
		BidsReceived:     len(bids),
		AllBids:          bids,
		AllocationMethod: MethodAuction,
	}
}

// assign records a winning bid on both sides of the match.
func (a *Allocator) assign(task *types.Task, bid *types.Bid) {
	robot := a.world.Robot(bid.RobotID)
	robot.TaskAssignment = &types.TaskAssignment{
		TaskID:                     task.TaskID,
		TaskType:                   task.TaskType,
		Priority:                   task.Priority,
		ProgressPercent:            0,
		EstimatedCompletionMinutes: bid.EstimatedTimeMinutes,
	}
	task.Status = types.TaskStatusAllocated
	task.AllocatedTo = bid.RobotID
	a.tasksAllocated++
}

// AssignmentResult is the outcome of a batch min-cost assignment.
type AssignmentResult struct {
	Success          bool              `json:"success"`
	Assignments      map[string]string `json:"assignments"` // task id -> robot id, "" when unassigned
	TotalCost        float64 `json:"total_cost"`
	TasksAssigned    int     `json:"tasks_assigned"`
	AllocationMethod string  `json:"allocation_method"`
}

// RunAssignment performs a greedy min-cost matching of tasks to robots:
// enumerate every eligible pair at cost 1-bid, take pairs cheapest
// first, each robot carrying at most one task per pass. Tasks with no
// eligible robot stay unassigned.
func (a *Allocator) RunAssignment(tasks []*types.Task) *AssignmentResult {
	type pair struct {
		taskIdx int
		robotID string
		cost    float64
		bid     *types.Bid
	}

	var pairs []pair
	for taskIdx, task := range tasks {
		for _, robot := range a.world.Robots() {
			if bid := a.ComputeBid(robot, task); bid != nil {
				pairs = append(pairs, pair{
					taskIdx: taskIdx,
					robotID: robot.RobotID,
					cost:    1 - bid.BidValue,
					bid:     bid,
				})
			}
		}
	}

	// Cheapest first; equal costs keep task order then robot id order
	// from the enumeration above.
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].cost < pairs[j].cost
	})

	assignments := make(map[string]string, len(tasks))
	for _, task := range tasks {
		assignments[task.TaskID] = ""
	}
	takenRobots := make(map[string]bool)
	assignedTasks := make(map[int]bool)

	totalCost := 0.0
	assigned := 0
	for _, p := range pairs {
		if assignedTasks[p.taskIdx] || takenRobots[p.robotID] {
			continue
		}
		assignedTasks[p.taskIdx] = true
		takenRobots[p.robotID] = true

		task := tasks[p.taskIdx]
		a.assign(task, p.bid)
		assignments[task.TaskID] = p.robotID
		totalCost += p.cost
		assigned++
		metrics.TasksAllocatedTotal.WithLabelValues(MethodHungarian).Inc()
	}

	a.logger.Info().
		Int("tasks", len(tasks)).
		Int("assigned", assigned).
		Float64("total_cost", totalCost).
		Msg("Batch assignment finished")

	return &AssignmentResult{
		Success:          true,
		Assignments:      assignments,
		TotalCost:        totalCost,
		TasksAssigned:    assigned,
		AllocationMethod: MethodHungarian,
	}
}

// BatchResult is the outcome of allocating every open task.
type BatchResult struct {
	Success          bool              `json:"success"`
	Method           string            `json:"method,omitempty"`
	TasksProcessed   int               `json:"tasks_processed"`
	TasksAllocated   int               `json:"tasks_allocated"`
	TasksFailed      int               `json:"tasks_failed"`
	AuctionResults   []*AuctionResult  `json:"auction_results,omitempty"`
	AssignmentResult *AssignmentResult `json:"assignment_result,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	ValidMethods     []string          `json:"valid_methods,omitempty"`
}

// AllocateTasks allocates all open tasks with the requested method.
// Auctions process tasks in pool order, which decides contested robots;
// the hungarian method runs one greedy batch over all open tasks.
func (a *Allocator) AllocateTasks(method string) *BatchResult {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationDuration)

	openTasks := a.world.OpenTasks()
	if len(openTasks) == 0 {
		return &BatchResult{
			Success: true,
			Method:  method,
			Reason:  ReasonNoOpenTasks,
		}
	}

	switch method {
	case MethodAuction:
		result := &BatchResult{
			Method:         method,
			TasksProcessed: len(openTasks),
		}
		for _, task := range openTasks {
			auction := a.RunAuction(task)
			result.AuctionResults = append(result.AuctionResults, auction)
			if auction.Success {
				result.TasksAllocated++
			} else {
				result.TasksFailed++
			}
		}
		result.Success = result.TasksAllocated > 0
		return result

	case MethodHungarian:
		assignment := a.RunAssignment(openTasks)
		return &BatchResult{
			Success:          assignment.TasksAssigned > 0,
			Method:           method,
			TasksProcessed:   len(openTasks),
			TasksAllocated:   assignment.TasksAssigned,
			TasksFailed:      len(openTasks) - assignment.TasksAssigned,
			AssignmentResult: assignment,
		}

	default:
		return &BatchResult{
			Success:      false,
			Reason:       ReasonInvalidMethod,
			ValidMethods: []string{MethodAuction, MethodHungarian},
		}
	}
}

// Workload buckets robots by how loaded they are.
type Workload struct {
	Idle       int `json:"idle"`
	Working    int `json:"working"`
	Overloaded int `json:"overloaded"`
}

// Statistics reports the allocation state of the fleet.
type Statistics struct {
	TotalTasks          int                      `json:"total_tasks"`
	StatusDistribution  map[types.TaskStatus]int `json:"status_distribution"`
	TotalRobots         int                      `json:"total_robots"`
	RobotWorkload       Workload                 `json:"robot_workload"`
	UtilizationPercent  float64                  `json:"utilization_percent"`
	TasksAllocatedTotal int                      `json:"tasks_allocated_total"`
	AveragePriority     float64                  `json:"average_priority"`
	IdleRobots          int                      `json:"idle_robots"`
	Status              string                   `json:"status"`
}

var priorityRanks = map[types.TaskPriority]float64{
	types.PriorityLow:    1,
	types.PriorityMedium: 2,
	types.PriorityHigh:   3,
}

// GetStatistics summarizes task statuses, robot workload and fleet
// utilization. A robot with no assignment is idle; below 80% progress it
// is working; at or above, overloaded.
func (a *Allocator) GetStatistics() *Statistics {
	stats := &Statistics{
		TotalTasks:          len(a.world.Tasks),
		StatusDistribution:  make(map[types.TaskStatus]int),
		TotalRobots:         a.world.TotalRobots(),
		TasksAllocatedTotal: a.tasksAllocated,
	}

	var prioritySum float64
	for _, task := range a.world.Tasks {
		stats.StatusDistribution[task.Status]++
		rank, ok := priorityRanks[task.Priority]
		if !ok {
			rank = 1
		}
		prioritySum += rank
	}
	if len(a.world.Tasks) > 0 {
		stats.AveragePriority = prioritySum / float64(len(a.world.Tasks))
	}

	for _, robot := range a.world.Robots() {
		switch {
		case robot.TaskAssignment == nil:
			stats.RobotWorkload.Idle++
		case robot.TaskAssignment.ProgressPercent < 80:
			stats.RobotWorkload.Working++
		default:
			stats.RobotWorkload.Overloaded++
		}
	}
	stats.IdleRobots = stats.RobotWorkload.Idle

	utilization := 0.0
	if stats.TotalRobots > 0 {
		utilization = float64(stats.RobotWorkload.Working+stats.RobotWorkload.Overloaded) /
			float64(stats.TotalRobots)
	}
	stats.UtilizationPercent = utilization * 100
	metrics.FleetUtilization.Set(utilization)

	switch {
	case utilization > 0.7:
		stats.Status = StatusOptimal
	case utilization > 0.5:
		stats.Status = StatusGood
	default:
		stats.Status = StatusUnderutilized
	}

	return stats
}
