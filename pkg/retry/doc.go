/*
Package retry classifies RPC failures and executes operations under named
exponential-backoff policies.

Each RPC class gets its own Policy (initial delay, cap, multiplier, jitter,
attempt limit); Execute retries only errors whose kind is transient —
classification goes through the error's Retryable method, never its message.
Protocol responses like a denied vote or a higher-term reply are not errors
at all and never reach the engine.

An optional AdaptiveTracker per operation turns observed success latencies
into the RPC deadline: clamp(avg * factor, min, max), holding at min until
the sample window fills.
*/
package retry
