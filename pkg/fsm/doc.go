/*
Package fsm defines the replicated state machine interface and ships a
JSON-command key/value implementation.

The consensus node owns its StateMachine and drives it from a single apply
path in strict log order: Apply for committed commands, Query for
linearizable reads after the freshness point, Snapshot/Restore for log
compaction and snapshot installs.
*/
package fsm
