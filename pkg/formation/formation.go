package formation

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/geo"
	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/avilaops/canaswarm/pkg/metrics"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/rs/zerolog"
)

// Failure reasons reported by the controller.
const (
	ReasonInsufficientRobots = "insufficient_robots"
)

// MinFormationSize is the smallest fleet slice that counts as a formation.
const MinFormationSize = 2

// Quality score weights.
const (
	cohesionWeight   = 0.35
	alignmentWeight  = 0.30
	separationWeight = 0.35
)

// Controller maintains formations over the fleet: flocking dynamics for
// loose groups and virtual structures for line, grid and leader-follower
// travel. It mutates only heading and the formation slice of robot state.
type Controller struct {
	world  *world.World
	cfg    config.Config
	rng    *rand.Rand
	logger zerolog.Logger

	formationUpdates int
}

// New creates a formation controller over a world model. The rng is used
// only for formation id suffixes.
func New(w *world.World, cfg config.Config, rng *rand.Rand) *Controller {
	return &Controller{
		world:  w,
		cfg:    cfg,
		rng:    rng,
		logger: log.WithComponent("formation"),
	}
}

// Neighbor is another robot within perception range, tagged with range
// and bearing from the observer.
type Neighbor struct {
	RobotID    string       `json:"robot_id"`
	Robot      *types.Robot `json:"-"`
	DistanceM  float64      `json:"distance_m"`
	BearingDeg float64      `json:"bearing_deg"`
}

// GetNeighbors returns every connected robot within the perception
// radius of the given robot, excluding itself. Disconnected robots are
// invisible to flocking.
func (c *Controller) GetNeighbors(robotID string) ([]Neighbor, error) {
	robot := c.world.Robot(robotID)
	if robot == nil {
		return nil, fmt.Errorf("unknown robot %q", robotID)
	}

	var neighbors []Neighbor
	for _, other := range c.world.Robots() {
		if other.RobotID == robotID || !other.Communication.Connected {
			continue
		}

		distance := geo.Haversine(
			robot.Position.Lat, robot.Position.Lon,
			other.Position.Lat, other.Position.Lon,
		)
		if distance > c.cfg.PerceptionRadiusM {
			continue
		}

		neighbors = append(neighbors, Neighbor{
			RobotID:   other.RobotID,
			Robot:     other,
			DistanceM: distance,
			BearingDeg: geo.Bearing(
				robot.Position.Lat, robot.Position.Lon,
				other.Position.Lat, other.Position.Lon,
			),
		})
	}

	return neighbors, nil
}

// separationForce pushes the robot away from neighbors inside the
// comfort zone (three collision radii). The force lives in raw lat/lon
// delta space; magnitude follows an inverse square law clamped at 10.
func (c *Controller) separationForce(robot *types.Robot, neighbors []Neighbor) (float64, float64) {
	var fx, fy float64

	for _, n := range neighbors {
		if n.DistanceM >= c.cfg.CollisionRadiusM*3 {
			continue
		}

		deltaLat := robot.Position.Lat - n.Robot.Position.Lat
		deltaLon := robot.Position.Lon - n.Robot.Position.Lon

		magnitude := 10.0
		if n.DistanceM > 0.1 {
			magnitude = math.Min(1.0/(n.DistanceM*n.DistanceM), 10.0)
		}

		norm := math.Sqrt(deltaLat*deltaLat + deltaLon*deltaLon)
		if norm > 0 {
			fx += deltaLat / norm * magnitude
			fy += deltaLon / norm * magnitude
		}
	}

	return fx * c.cfg.SeparationWeight, fy * c.cfg.SeparationWeight
}

// alignmentAdjustment returns the heading correction in degrees toward
// the circular mean of neighbor headings.
func (c *Controller) alignmentAdjustment(robot *types.Robot, neighbors []Neighbor) float64 {
	if len(neighbors) == 0 {
		return 0
	}

	var sinSum, cosSum float64
	for _, n := range neighbors {
		rad := n.Robot.Position.HeadingDeg * math.Pi / 180
		sinSum += math.Sin(rad)
		cosSum += math.Cos(rad)
	}

	n := float64(len(neighbors))
	meanDeg := math.Atan2(sinSum/n, cosSum/n) * 180 / math.Pi

	return geo.AngleDiff(robot.Position.HeadingDeg, meanDeg) * c.cfg.AlignmentWeight
}

// cohesionForce pulls the robot toward the arithmetic centroid of its
// neighbors, proportional to distance and clamped at 5.
func (c *Controller) cohesionForce(robot *types.Robot, neighbors []Neighbor) (float64, float64) {
	if len(neighbors) == 0 {
		return 0, 0
	}

	var centerLat, centerLon float64
	for _, n := range neighbors {
		centerLat += n.Robot.Position.Lat
		centerLon += n.Robot.Position.Lon
	}
	centerLat /= float64(len(neighbors))
	centerLon /= float64(len(neighbors))

	deltaLat := centerLat - robot.Position.Lat
	deltaLon := centerLon - robot.Position.Lon
	distance := math.Sqrt(deltaLat*deltaLat + deltaLon*deltaLon)
	if distance == 0 {
		return 0, 0
	}

	// The scale factor of 100 keeps raw coordinate deltas in a usable range.
	magnitude := math.Min(distance*100, 5.0)

	fx := deltaLat / distance * magnitude * c.cfg.CohesionWeight
	fy := deltaLon / distance * magnitude * c.cfg.CohesionWeight
	return fx, fy
}

// RobotUpdate records the flocking pass outcome for one robot.
type RobotUpdate struct {
	RobotID                string     `json:"robot_id"`
	NeighborsCount         int        `json:"neighbors_count"`
	SeparationForce        [2]float64 `json:"separation_force"`
	AlignmentAdjustmentDeg float64    `json:"alignment_adjustment_deg"`
	CohesionForce          [2]float64 `json:"cohesion_force"`
	NewHeadingDeg          float64    `json:"new_heading_deg"`
	DistanceToTargetM      float64    `json:"distance_to_target_m"`
}

// UpdateResult is the outcome of one flocking update pass.
type UpdateResult struct {
	Success       bool          `json:"success"`
	FormationID   string        `json:"formation_id"`
	RobotsUpdated int           `json:"robots_updated"`
	RobotsCount   int           `json:"robots_count"`
	Updates       []RobotUpdate `json:"updates,omitempty"`
	Metrics       Quality       `json:"metrics"`
	Reason        string        `json:"reason,omitempty"`
}

// UpdateFlocking applies Reynolds' rules to every connected member of a
// formation, blending positional forces with heading alignment. Fewer
// than two connected members fails the pass.
func (c *Controller) UpdateFlocking(formationID string) (*UpdateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlockingUpdateDuration)

	members := c.connectedMembers(formationID)
	if len(members) < MinFormationSize {
		return &UpdateResult{
			Success:     false,
			Reason:      ReasonInsufficientRobots,
			FormationID: formationID,
			RobotsCount: len(members),
		}, nil
	}

	var updates []RobotUpdate
	for _, robot := range members {
		neighbors, err := c.GetNeighbors(robot.RobotID)
		if err != nil {
			return nil, err
		}

		// Only formation mates shape the flock.
		var mates []Neighbor
		for _, n := range neighbors {
			if n.Robot.Formation != nil && n.Robot.Formation.FormationID == formationID {
				mates = append(mates, n)
			}
		}
		if len(mates) == 0 {
			continue
		}

		sepX, sepY := c.separationForce(robot, mates)
		alignment := c.alignmentAdjustment(robot, mates)
		cohX, cohY := c.cohesionForce(robot, mates)

		fx := sepX + cohX
		fy := sepY + cohY

		newHeading := robot.Position.HeadingDeg
		if math.Abs(fx) > 0.01 || math.Abs(fy) > 0.01 {
			forceHeading := math.Atan2(fy, fx) * 180 / math.Pi
			positionAdjustment := geo.AngleDiff(robot.Position.HeadingDeg, forceHeading) * 0.5
			total := positionAdjustment + alignment*0.5
			newHeading = math.Mod(robot.Position.HeadingDeg+total+360, 360)
		}

		distanceToTarget := 0.0
		if robot.Formation.TargetPosition != nil {
			tp := robot.Formation.TargetPosition
			distanceToTarget = math.Sqrt(tp.RelativeXM*tp.RelativeXM + tp.RelativeYM*tp.RelativeYM)
		}

		robot.Position.HeadingDeg = newHeading

		updates = append(updates, RobotUpdate{
			RobotID:                robot.RobotID,
			NeighborsCount:         len(mates),
			SeparationForce:        [2]float64{sepX, sepY},
			AlignmentAdjustmentDeg: alignment,
			CohesionForce:          [2]float64{cohX, cohY},
			NewHeadingDeg:          newHeading,
			DistanceToTargetM:      distanceToTarget,
		})
	}

	quality, err := c.formationQuality(members)
	if err != nil {
		return nil, err
	}
	c.formationUpdates++
	metrics.FormationUpdatesTotal.Inc()
	c.observeQuality(formationID, quality)

	c.logger.Debug().
		Str("formation_id", formationID).
		Int("robots_updated", len(updates)).
		Float64("quality", quality.Overall).
		Msg("Flocking update pass finished")

	return &UpdateResult{
		Success:       true,
		FormationID:   formationID,
		RobotsUpdated: len(updates),
		RobotsCount:   len(members),
		Updates:       updates,
		Metrics:       quality,
	}, nil
}

// connectedMembers returns the connected robots recorded in a formation,
// in sorted-id order.
func (c *Controller) connectedMembers(formationID string) []*types.Robot {
	var members []*types.Robot
	for _, robot := range c.world.Robots() {
		if robot.Formation != nil &&
			robot.Formation.FormationID == formationID &&
			robot.Communication.Connected {
			members = append(members, robot)
		}
	}
	return members
}

// Quality is the composite quality of one formation.
type Quality struct {
	Cohesion             float64 `json:"cohesion"`
	Alignment            float64 `json:"alignment"`
	Separation           float64 `json:"separation"`
	Overall              float64 `json:"overall"`
	AvgDistanceToCenterM float64 `json:"avg_distance_to_center_m"`
	CollisionCount       int     `json:"collision_count"`
}

// formationQuality scores a member set on cohesion (distance to
// centroid), alignment (arithmetic heading variance) and separation
// (collision-radius violations over all pairs). Members must agree on
// their formation id; disagreement is a corrupted world model.
func (c *Controller) formationQuality(members []*types.Robot) (Quality, error) {
	if len(members) < MinFormationSize {
		return Quality{}, nil
	}

	id := members[0].Formation.FormationID
	for _, m := range members[1:] {
		if m.Formation.FormationID != id {
			return Quality{}, fmt.Errorf("formation members disagree on id: %q vs %q", id, m.Formation.FormationID)
		}
	}

	var centerLat, centerLon float64
	for _, m := range members {
		centerLat += m.Position.Lat
		centerLon += m.Position.Lon
	}
	centerLat /= float64(len(members))
	centerLon /= float64(len(members))

	var totalDistance float64
	for _, m := range members {
		totalDistance += geo.Haversine(m.Position.Lat, m.Position.Lon, centerLat, centerLon)
	}
	avgDistance := totalDistance / float64(len(members))
	cohesion := math.Max(0, 1-avgDistance/c.cfg.PerceptionRadiusM)

	var meanHeading float64
	for _, m := range members {
		meanHeading += m.Position.HeadingDeg
	}
	meanHeading /= float64(len(members))
	var variance float64
	for _, m := range members {
		d := m.Position.HeadingDeg - meanHeading
		variance += d * d
	}
	variance /= float64(len(members))
	alignment := math.Max(0, 1-variance/(180*180))

	collisions := 0
	pairs := 0
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			pairs++
			d := geo.Haversine(
				members[i].Position.Lat, members[i].Position.Lon,
				members[j].Position.Lat, members[j].Position.Lon,
			)
			if d < c.cfg.CollisionRadiusM {
				collisions++
			}
		}
	}
	separation := 1.0
	if pairs > 0 {
		separation = 1 - float64(collisions)/float64(pairs)
	}

	return Quality{
		Cohesion:             cohesion,
		Alignment:            alignment,
		Separation:           separation,
		Overall:              cohesion*cohesionWeight + alignment*alignmentWeight + separation*separationWeight,
		AvgDistanceToCenterM: avgDistance,
		CollisionCount:       collisions,
	}, nil
}

func (c *Controller) observeQuality(formationID string, q Quality) {
	metrics.FormationQuality.WithLabelValues(formationID, "cohesion").Set(q.Cohesion)
	metrics.FormationQuality.WithLabelValues(formationID, "alignment").Set(q.Alignment)
	metrics.FormationQuality.WithLabelValues(formationID, "separation").Set(q.Separation)
	metrics.FormationQuality.WithLabelValues(formationID, "overall").Set(q.Overall)
}

// CreateResult is the outcome of a formation creation request.
type CreateResult struct {
	Success         bool                `json:"success"`
	FormationID     string              `json:"formation_id,omitempty"`
	FormationType   types.FormationType `json:"formation_type,omitempty"`
	RobotsCount     int                 `json:"robots_count"`
	Robots          []string            `json:"robots,omitempty"`
	Leader          string              `json:"leader,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	MinimumRequired int                 `json:"minimum_required,omitempty"`
}

// CreateFormation assigns the given robots to a new formation of the
// requested type and lays out their virtual-structure targets. Unknown
// robot ids are dropped; fewer than two valid members fails. For
// leader_follower the leader defaults to the first valid robot and is
// moved to slot zero.
func (c *Controller) CreateFormation(robotIDs []string, formationType types.FormationType, leaderID string) *CreateResult {
	var valid []string
	for _, id := range robotIDs {
		if c.world.Robot(id) != nil {
			valid = append(valid, id)
		}
	}

	if len(valid) < MinFormationSize {
		return &CreateResult{
			Success:         false,
			Reason:          ReasonInsufficientRobots,
			RobotsCount:     len(valid),
			MinimumRequired: MinFormationSize,
		}
	}

	formationID := fmt.Sprintf("FORMATION-%s-%04d",
		strings.ToUpper(string(formationType)), 1000+c.rng.Intn(9000))
	spacing := c.cfg.FormationSpacingM

	switch formationType {
	case types.FormationLeaderFollower:
		if leaderID == "" || !contains(valid, leaderID) {
			leaderID = valid[0]
		}
		// Leader first, then followers in request order; slot indices
		// stay distinct.
		ordered := []string{leaderID}
		for _, id := range valid {
			if id != leaderID {
				ordered = append(ordered, id)
			}
		}
		for i, id := range ordered {
			c.world.Robot(id).Formation = &types.FormationSlot{
				FormationID:         formationID,
				PositionInFormation: i,
				TargetPosition: &types.TargetPosition{
					RelativeXM: float64(i) * spacing,
					RelativeYM: 0,
				},
			}
		}

	case types.FormationLine:
		for i, id := range valid {
			c.world.Robot(id).Formation = &types.FormationSlot{
				FormationID:         formationID,
				PositionInFormation: i,
				TargetPosition: &types.TargetPosition{
					RelativeXM: float64(i) * spacing,
					RelativeYM: 0,
				},
			}
		}

	case types.FormationGrid:
		cols := int(math.Ceil(math.Sqrt(float64(len(valid)))))
		for i, id := range valid {
			row := i / cols
			col := i % cols
			c.world.Robot(id).Formation = &types.FormationSlot{
				FormationID:         formationID,
				PositionInFormation: i,
				TargetPosition: &types.TargetPosition{
					RelativeXM: float64(col) * spacing,
					RelativeYM: float64(row) * spacing,
				},
			}
		}

	default: // flocking, no virtual structure
		for i, id := range valid {
			c.world.Robot(id).Formation = &types.FormationSlot{
				FormationID:         formationID,
				PositionInFormation: i,
			}
		}
	}

	result := &CreateResult{
		Success:       true,
		FormationID:   formationID,
		FormationType: formationType,
		RobotsCount:   len(valid),
		Robots:        valid,
	}
	if formationType == types.FormationLeaderFollower {
		result.Leader = leaderID
	}

	c.logger.Info().
		Str("formation_id", formationID).
		Str("type", string(formationType)).
		Int("robots", len(valid)).
		Msg("Formation created")

	return result
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Statistics aggregates formation state across the fleet.
type Statistics struct {
	TotalFormations        int                `json:"total_formations"`
	TotalRobotsInFormation int                `json:"total_robots_in_formation"`
	Formations             map[string]int     `json:"formations"`
	FormationQuality       map[string]Quality `json:"formation_quality"`
	AverageQuality         Quality            `json:"average_quality"`
	FormationUpdates       int                `json:"formation_updates"`
}

// GetStatistics reports every formation's membership and quality plus
// the fleet-wide averages.
func (c *Controller) GetStatistics() (*Statistics, error) {
	memberships := make(map[string][]*types.Robot)
	for _, robot := range c.world.Robots() {
		if robot.Formation != nil && robot.Formation.FormationID != "" {
			id := robot.Formation.FormationID
			memberships[id] = append(memberships[id], robot)
		}
	}

	stats := &Statistics{
		TotalFormations:  len(memberships),
		Formations:       make(map[string]int, len(memberships)),
		FormationQuality: make(map[string]Quality, len(memberships)),
		FormationUpdates: c.formationUpdates,
	}

	ids := make([]string, 0, len(memberships))
	for id := range memberships {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sum Quality
	for _, id := range ids {
		members := memberships[id]
		stats.TotalRobotsInFormation += len(members)
		stats.Formations[id] = len(members)

		q, err := c.formationQuality(members)
		if err != nil {
			return nil, err
		}
		stats.FormationQuality[id] = q
		sum.Cohesion += q.Cohesion
		sum.Alignment += q.Alignment
		sum.Separation += q.Separation
		sum.Overall += q.Overall
	}

	if len(ids) > 0 {
		n := float64(len(ids))
		stats.AverageQuality = Quality{
			Cohesion:   sum.Cohesion / n,
			Alignment:  sum.Alignment / n,
			Separation: sum.Separation / n,
			Overall:    sum.Overall / n,
		}
	}

	metrics.FormationsActive.Set(float64(len(ids)))

	return stats, nil
}
