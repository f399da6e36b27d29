/*
Package topology models the fleet's mesh network as an undirected graph.

The adjacency list is built once from the snapshot's edge list and frozen;
the consensus engine uses it to decide whether a candidate can reach a
voter and whether the leader can reach a follower during replication.
The formation controller does not consult it.
Reachability is symmetric by construction: every edge is inserted in both
directions.
*/
package topology
