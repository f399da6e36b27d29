package world

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/avilaops/canaswarm/pkg/topology"
	"github.com/avilaops/canaswarm/pkg/types"
)

// World is the shared model all three engines operate on. It is
// exclusively owned by the engine currently executing; callers must not
// run two engines on the same world concurrently.
type World struct {
	State  types.SwarmState
	Config types.SwarmConfig
	Tasks  []*types.Task

	// Topology is frozen at construction; Reachable queries run against it.
	Topology *topology.Topology

	// Timestamp is the snapshot's notion of "now", used by the leader
	// health check instead of the wall clock.
	Timestamp time.Time

	// ElectionCount seeds the consensus engine's counter from the
	// snapshot's performance metrics.
	ElectionCount int

	robots map[string]*types.Robot
	order  []string // robot ids, sorted, for deterministic iteration
}

// New builds a world model from a snapshot. Robots are indexed by id and
// iteration order is fixed to sorted ids so that every engine pass over
// the fleet is deterministic.
func New(snap *types.Snapshot) (*World, error) {
	robots := make(map[string]*types.Robot, len(snap.Robots))
	order := make([]string, 0, len(snap.Robots))

	for _, r := range snap.Robots {
		if r.RobotID == "" {
			return nil, fmt.Errorf("robot with empty robot_id in snapshot")
		}
		if _, dup := robots[r.RobotID]; dup {
			return nil, fmt.Errorf("duplicate robot_id %q in snapshot", r.RobotID)
		}
		if r.SwarmRole.Term < 0 {
			return nil, fmt.Errorf("robot %s has negative term %d", r.RobotID, r.SwarmRole.Term)
		}
		robots[r.RobotID] = r
		order = append(order, r.RobotID)
	}
	sort.Strings(order)

	ts := snap.SwarmState.Timestamp
	if ts.IsZero() {
		ts = snap.Timestamp
	}

	return &World{
		State:         snap.SwarmState,
		Config:        snap.SwarmConfig,
		Tasks:         snap.TaskPool,
		Topology:      topology.New(order, snap.NetworkTopology.Graph.Edges),
		Timestamp:     ts,
		ElectionCount: snap.PerformanceMetrics.Consensus.ElectionCount,
		robots:        robots,
		order:         order,
	}, nil
}

// LoadSnapshot reads and decodes a snapshot JSON file into a world model.
func LoadSnapshot(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return New(&snap)
}

// Robot returns the robot with the given id, or nil when absent.
func (w *World) Robot(id string) *types.Robot {
	return w.robots[id]
}

// Robots returns the fleet in sorted-id order.
func (w *World) Robots() []*types.Robot {
	out := make([]*types.Robot, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.robots[id])
	}
	return out
}

// RobotIDs returns the sorted robot ids.
func (w *World) RobotIDs() []string {
	return w.order
}

// TotalRobots returns the fleet size.
func (w *World) TotalRobots() int {
	return len(w.robots)
}

// Majority returns the quorum size for the current fleet.
func (w *World) Majority() int {
	return len(w.robots)/2 + 1
}

// OpenTasks returns tasks still waiting for allocation, in pool order.
func (w *World) OpenTasks() []*types.Task {
	var open []*types.Task
	for _, t := range w.Tasks {
		if t.Status == types.TaskStatusOpen {
			open = append(open, t)
		}
	}
	return open
}

// Task returns the task with the given id, or nil when absent.
func (w *World) Task(id string) *types.Task {
	for _, t := range w.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}

// ElectionTimeout returns the configured election timeout, defaulting to
// 5 s when the snapshot carries none.
func (w *World) ElectionTimeout() time.Duration {
	secs := w.Config.ElectionTimeoutSeconds
	if secs <= 0 {
		secs = 5.0
	}
	return time.Duration(secs * float64(time.Second))
}
