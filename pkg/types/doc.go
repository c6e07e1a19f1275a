/*
Package types defines the shared data model of the Quorum consensus library.

It holds the scalar consensus types (NodeID, Term, LogIndex), the replicated
log entry and its payload variants, cluster configurations with joint
consensus quorum evaluation, snapshot and persistent state records, the three
RPC request/response pairs, and the error types surfaced to clients.

Quorum evaluation is the one piece of logic that lives here: a plain
configuration needs a majority of Nodes, a joint configuration needs
majorities in both Nodes and OldNodes. Everything else is data with JSON tags;
wire serialization is a transport plug-in and JSON is only its default codec.
*/
package types
