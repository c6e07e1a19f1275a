package transport

import (
	"fmt"
	"time"

	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/types"
)

// Handler is the inbound side of a transport: the consensus node's three RPC
// handlers. The transport deserializes a request, delivers it here, and sends
// the returned response back without interpreting either.
type Handler interface {
	HandleRequestVote(req *types.RequestVoteRequest) *types.RequestVoteResponse
	HandleAppendEntries(req *types.AppendEntriesRequest) *types.AppendEntriesResponse
	HandleInstallSnapshot(req *types.InstallSnapshotRequest) *types.InstallSnapshotResponse
}

// Transport sends the three consensus RPCs to peers and dispatches inbound
// requests to the registered Handler. Send methods return immediately; the
// future settles with the peer's response or a transport *Error.
type Transport interface {
	LocalID() types.NodeID

	SendRequestVote(target types.NodeID, req *types.RequestVoteRequest, timeout time.Duration) *future.Future[*types.RequestVoteResponse]
	SendAppendEntries(target types.NodeID, req *types.AppendEntriesRequest, timeout time.Duration) *future.Future[*types.AppendEntriesResponse]
	SendInstallSnapshot(target types.NodeID, req *types.InstallSnapshotRequest, timeout time.Duration) *future.Future[*types.InstallSnapshotResponse]

	// SetHandler registers the inbound dispatch target. Must be called
	// before the transport starts delivering requests.
	SetHandler(h Handler)

	// Close tears the transport down. In-flight sends settle with a Closed
	// error; a cancelled request may or may not have been delivered.
	Close() error
}

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	// KindTimeout is a request that received no response in time. Retryable.
	KindTimeout ErrorKind = "timeout"

	// KindRefused is an actively refused connection. Retryable.
	KindRefused ErrorKind = "refused"

	// KindUnreachable is a peer that could not be reached. Retryable.
	KindUnreachable ErrorKind = "unreachable"

	// KindTemporary is any other transient delivery failure. Retryable.
	KindTemporary ErrorKind = "temporary"

	// KindMalformed is a request or response that failed to decode. Not
	// retryable: resending the same bytes cannot succeed.
	KindMalformed ErrorKind = "malformed"

	// KindClosed is a send on a transport that has shut down. Not retryable.
	KindClosed ErrorKind = "closed"
)

// Error is a transport-level failure. Consensus-layer signals (denied votes,
// higher terms) are never Errors; they travel inside responses.
type Error struct {
	Kind ErrorKind
	Op   string
	Peer types.NodeID
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s to %s failed (%s): %v", e.Op, e.Peer, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s to %s failed (%s)", e.Op, e.Peer, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry engine may re-issue the operation.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindMalformed, KindClosed:
		return false
	default:
		return true
	}
}
