// Package config holds the engine tunables with their reference defaults
// and optional YAML overrides.
package config
