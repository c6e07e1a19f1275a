/*
Package membership drives two-phase joint-consensus configuration changes.

A change moves the cluster from C_old to C_new through the transitional
C_old,new: the joint entry is appended and must commit under majorities of
both node sets, then the final entry is appended and must commit under the
target majority. Changes are serialized; a concurrent request fails with
ErrChangeInProgress, and cancellation or deadline expiry rolls the machine
back to idle with a phase-tagged error.

If leadership changes between the two phases, the next leader finds the
committed joint entry in its log and resumes through ResumeFinalPhase. A
joint entry that never committed is simply abandoned; the new leader's log
may overwrite it.
*/
package membership
