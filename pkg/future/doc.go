/*
Package future provides the asynchronous completion primitives the consensus
core is built on: a single-assignment Promise/Future pair and a Collector
that aggregates groups of peer-response futures.

A Future settles exactly once, via Complete, Fail, or Cancel. Subscribed
callbacks run on the settling goroutine; a cancelled future's callbacks never
run, and Cancel does not return while a delivery is still in flight on
another goroutine. That drain is what lets the consensus node tear down a
vote or heartbeat round on step-down without a late callback mutating state
it no longer owns.

The Collector supports three aggregation modes:

  - CollectMajority: first N successes win, stragglers are cancelled.
  - CollectQuorum: same, with a caller-supplied predicate over the successes
    (joint consensus cares which voters answered, not how many).
  - CollectAllWithTimeout: every outcome, value or error, with unsettled
    futures marked ErrCollectTimeout at the deadline.

Deadlines come from an injected clock.Clock, so tests drive collections with
a ManualClock.
*/
package future
