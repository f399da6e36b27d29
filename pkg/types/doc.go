/*
Package types defines the shared entities of the swarm world model:
robots, tasks, formations, consensus state, and the snapshot envelope the
coordinator consumes.

The JSON field names on these structs are normative; they match the
snapshot format produced by the fleet simulator and the telemetry
pipeline. Enumerations are closed string types with explicit variants.
Optional records (a robot's formation slot or task assignment, a task's
location variants) are pointers; nil means absent.
*/
package types
