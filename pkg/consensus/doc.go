/*
Package consensus maintains exactly one operational leader over the
fleet and replicates state updates to a majority, in the style of Raft
leader election over a lossy mesh.

# Election

An election raises the consensus term, scores every viable robot
(connected, operational, battery above the floor) by battery, uptime and
mesh degree, and has the top candidate request votes from every robot it
can reach. Votes are Bernoulli draws weighted by candidate priority and
link latency, modeling channel noise. A candidate holding votes from a
majority (floor(n/2)+1, self-vote included) commits: every robot's role
and term are rewritten and the swarm state records the new leader.
A failed round keeps the raised term and election counter, and the
candidate records its self-vote and the new term; no other robot changes.

# Replication and observation

ReplicateState simulates AppendEntries rounds to every connected
follower; a round commits when the leader plus the successful followers
reach the majority. GetStatus is a pure observer over recorded roles: it
detects split-brain (two or more leaders), scores four health factors,
and maps the score onto HEALTHY / WARNING / CRITICAL; an observed
split-brain is always CRITICAL.

The engine's randomness comes from an injected *rand.Rand so tests can
seed it; nothing here touches the wall clock, only the snapshot
timestamp.
*/
package consensus
