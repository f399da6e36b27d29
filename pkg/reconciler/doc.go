/*
Package reconciler runs the coordination loop: on every tick it checks
leader health (electing a replacement when the leader is disconnected,
faulted or silent), auctions open tasks, and applies a flocking pass to
every active formation, publishing lifecycle events along the way.

A cycle holds the world model exclusively; the consensus engine,
formation controller and allocator each mutate only their designated
slice of robot state within it.
*/
package reconciler
