/*
Package log provides structured logging for the coordinator, backed by
zerolog.

Init configures the global logger once at startup (console or JSON
output, leveled). Components obtain child loggers via WithComponent and
the id-scoped helpers so every line carries its origin:

	logger := log.WithComponent("consensus")
	logger.Info().Str("leader_id", id).Int("term", term).Msg("Leader elected")
*/
package log
