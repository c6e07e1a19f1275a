/*
Package clock abstracts time behind an interface so election and heartbeat
timing can be driven deterministically in tests.

SystemClock passes through to the time package; ManualClock only moves when
told to, firing due callbacks in deadline order on the advancing goroutine.
*/
package clock
