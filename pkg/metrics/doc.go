/*
Package metrics exposes the coordinator's Prometheus collectors.

All collectors are registered at init time and shared process-wide, the
same way the rest of the coordinator treats its global logger. Engines
update their own collectors inline (elections, formation quality, task
allocations) and the coordination loop updates its cycle collectors;
the serve command exposes them over HTTP via Handler.
*/
package metrics
