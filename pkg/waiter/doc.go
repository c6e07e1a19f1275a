/*
Package waiter holds client operations hostage to the replicated log.

When the leader appends a client's entry it registers the client's callbacks
here under the entry's index. The apply path later resolves them with the
state machine's reply; step-down, shutdown, and deadline sweeps reject them.
An operation resolves exactly once, and rejections delivered by a cancel call
have all fired before that call returns.
*/
package waiter
