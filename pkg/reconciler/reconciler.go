package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/avilaops/canaswarm/pkg/allocator"
	"github.com/avilaops/canaswarm/pkg/consensus"
	"github.com/avilaops/canaswarm/pkg/events"
	"github.com/avilaops/canaswarm/pkg/formation"
	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/avilaops/canaswarm/pkg/metrics"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/rs/zerolog"
)

// Reconciler drives the three engines over one world model on a fixed
// interval: it repairs leadership, auctions open tasks, and runs a
// flocking pass over every active formation. One cycle owns the world
// from start to finish; the engines never run concurrently.
type Reconciler struct {
	world      *world.World
	consensus  *consensus.Engine
	formations *formation.Controller
	allocator  *allocator.Allocator
	broker     *events.Broker
	logger     zerolog.Logger
	interval   time.Duration
	mu         sync.Mutex
	stopCh     chan struct{}
}

// New creates a reconciler over the world and its engines. The broker
// may be nil when nobody listens.
func New(
	w *world.World,
	cons *consensus.Engine,
	form *formation.Controller,
	alloc *allocator.Allocator,
	broker *events.Broker,
	interval time.Duration,
) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		world:      w,
		consensus:  cons,
		formations: form,
		allocator:  alloc,
		broker:     broker,
		logger:     log.WithComponent("reconciler"),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the coordination loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// run is the main coordination loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				// Log error but continue
				r.logger.Error().Err(err).Msg("Coordination cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one coordination cycle.
func (r *Reconciler) Reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CoordinationDuration)
		metrics.CoordinationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.observeFleet()

	if err := r.reconcileLeadership(); err != nil {
		return fmt.Errorf("leadership reconciliation failed: %w", err)
	}
	r.reconcileTasks()
	if err := r.reconcileFormations(); err != nil {
		return fmt.Errorf("formation reconciliation failed: %w", err)
	}

	return nil
}

// observeFleet refreshes the fleet composition gauges.
func (r *Reconciler) observeFleet() {
	metrics.RobotsTotal.Reset()
	for _, robot := range r.world.Robots() {
		metrics.RobotsTotal.WithLabelValues(string(robot.Type), string(robot.Status.Operational)).Inc()
	}
}

// reconcileLeadership checks leader health and runs an election when
// the leader is gone, dead or silent.
func (r *Reconciler) reconcileLeadership() error {
	health := r.consensus.CheckLeaderHealth()
	if health.Healthy {
		return nil
	}

	r.logger.Warn().
		Str("leader_id", health.LeaderID).
		Str("reason", health.Reason).
		Msg("Leader unhealthy, triggering election")

	result, err := r.consensus.TriggerElection()
	if err != nil {
		return err
	}

	if result.Success {
		r.publish(events.EventLeaderElected, fmt.Sprintf("leader %s elected in term %d", result.NewLeader, result.Term), map[string]string{
			"leader_id": result.NewLeader,
			"term":      fmt.Sprintf("%d", result.Term),
		})
	} else {
		r.publish(events.EventElectionFailed, fmt.Sprintf("election failed in term %d: %s", result.Term, result.Reason), map[string]string{
			"reason": result.Reason,
			"term":   fmt.Sprintf("%d", result.Term),
		})
	}

	status := r.consensus.GetStatus()
	if status.SplitBrain {
		r.publish(events.EventSplitBrainDetected, "multiple leaders observed", map[string]string{
			"incidents": fmt.Sprintf("%d", status.SplitBrainIncidents),
		})
	}

	return nil
}

// reconcileTasks auctions every open task.
func (r *Reconciler) reconcileTasks() {
	result := r.allocator.AllocateTasks(allocator.MethodAuction)
	if result.Reason == allocator.ReasonNoOpenTasks {
		return
	}

	for _, auction := range result.AuctionResults {
		if auction.Success {
			r.publish(events.EventTaskAllocated, fmt.Sprintf("task %s -> %s", auction.TaskID, auction.Winner.RobotID), map[string]string{
				"task_id":  auction.TaskID,
				"robot_id": auction.Winner.RobotID,
			})
		} else {
			r.publish(events.EventTaskFailed, fmt.Sprintf("task %s: %s", auction.TaskID, auction.Reason), map[string]string{
				"task_id": auction.TaskID,
				"reason":  auction.Reason,
			})
		}
	}

	r.logger.Info().
		Int("processed", result.TasksProcessed).
		Int("allocated", result.TasksAllocated).
		Msg("Open tasks auctioned")
}

// reconcileFormations runs a flocking pass over every active formation.
func (r *Reconciler) reconcileFormations() error {
	seen := make(map[string]bool)
	for _, robot := range r.world.Robots() {
		if robot.Formation == nil || robot.Formation.FormationID == "" {
			continue
		}
		id := robot.Formation.FormationID
		if seen[id] {
			continue
		}
		seen[id] = true

		result, err := r.formations.UpdateFlocking(id)
		if err != nil {
			return err
		}
		if !result.Success {
			r.logger.Debug().
				Str("formation_id", id).
				Str("reason", result.Reason).
				Msg("Skipped formation update")
			continue
		}

		r.publish(events.EventFormationUpdated, fmt.Sprintf("formation %s updated", id), map[string]string{
			"formation_id": id,
			"overall":      fmt.Sprintf("%.3f", result.Metrics.Overall),
		})
	}
	return nil
}

func (r *Reconciler) publish(eventType events.EventType, message string, metadata map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(events.NewEvent(eventType, message, metadata))
}
