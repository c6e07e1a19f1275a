/*
Package metrics exposes Prometheus metrics for the consensus node.

Gauges track the node's consensus position (role, term, log/commit/applied
indices, peer count, pending client operations); counters and histograms
track elections, outbound RPC traffic, retries, apply latency, and snapshot
activity. Handler returns the exposition endpoint for the embedding binary.
*/
package metrics
