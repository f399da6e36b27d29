package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables of the three engines. Zero values are never
// meaningful; start from Default and override from YAML or the snapshot's
// swarm_config.
type Config struct {
	// Consensus timing
	HeartbeatIntervalSeconds float64 `yaml:"heartbeat_interval_seconds"`
	ElectionTimeoutSeconds   float64 `yaml:"election_timeout_seconds"`
	MinCandidateBattery      float64 `yaml:"min_candidate_battery_percent"`

	// Flocking
	SeparationWeight  float64 `yaml:"separation_weight"`
	AlignmentWeight   float64 `yaml:"alignment_weight"`
	CohesionWeight    float64 `yaml:"cohesion_weight"`
	CollisionRadiusM  float64 `yaml:"collision_radius_m"`
	PerceptionRadiusM float64 `yaml:"perception_radius_m"`
	FormationSpacingM float64 `yaml:"formation_spacing_m"`

	// Allocation
	HarvesterSpeedKmh  float64 `yaml:"harvester_speed_kmh"`
	TransportSpeedKmh  float64 `yaml:"transport_speed_kmh"`
	BatteryCapacityKWh float64 `yaml:"battery_capacity_kwh"`
	EnergyMarginFrac   float64 `yaml:"energy_margin_frac"`
	DefaultCargoMassKg float64 `yaml:"default_cargo_mass_kg"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		HeartbeatIntervalSeconds: 1.0,
		ElectionTimeoutSeconds:   5.0,
		MinCandidateBattery:      40.0,

		SeparationWeight:  1.5,
		AlignmentWeight:   1.0,
		CohesionWeight:    1.2,
		CollisionRadiusM:  2.0,
		PerceptionRadiusM: 50.0,
		FormationSpacingM: 5.0,

		HarvesterSpeedKmh:  3.0,
		TransportSpeedKmh:  5.0,
		BatteryCapacityKWh: 10.0,
		EnergyMarginFrac:   0.8,
		DefaultCargoMassKg: 200.0,
	}
}

// Load reads a YAML config file over the defaults. Keys absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
