/*
Package world assembles the shared world model from a snapshot: the robot
fleet, the frozen network topology, the task pool, and the swarm-level
consensus state.

Engines borrow the world for the duration of a single operation and
mutate only their designated slice of robot state: the consensus engine
writes swarm_role, the formation controller writes heading and formation,
the allocator writes task_assignment and task records. Robot iteration is
always in sorted-id order so results are reproducible for a given
snapshot and seed.
*/
package world
