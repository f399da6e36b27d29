/*
Package events distributes swarm lifecycle events (elections, split-brain
incidents, formation changes, task allocations) to in-process
subscribers, with an optional NATS forwarder for off-field consumers.

The broker is fire-and-forget: a subscriber with a full buffer misses
events rather than blocking the coordinator.
*/
package events
