/*
Package log provides structured logging for Quorum using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Consensus code logs through child loggers carrying stable fields:

	logger := log.WithComponent("consensus").With().
		Str("node_id", string(id)).Logger()
	logger.Info().Uint64("term", term).Msg("became leader")

Role transitions, elections and configuration changes log at Info; per-RPC
traffic logs at Debug; retry exhaustion and replication stalls log at Warn;
storage failures log at Error before the node halts.
*/
package log
