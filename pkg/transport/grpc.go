package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/types"
)

const (
	serviceName  = "quorum.Raft"
	codecName    = "quorum-json"
	requestIDKey = "x-quorum-request-id"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec is the default wire codec. Serialization is a plug-in as far as
// consensus correctness is concerned; every field only needs to round-trip.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return codecName }

// raftService is the dispatch surface of the hand-written gRPC service
// descriptor. No protoc involvement: the messages are plain structs moved by
// the registered codec.
type raftService interface {
	RequestVote(ctx context.Context, req *types.RequestVoteRequest) (*types.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/grpc.go",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return srv.(raftService).RequestVote(ctx, in)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return srv.(raftService).AppendEntries(ctx, in)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return srv.(raftService).InstallSnapshot(ctx, in)
}

// GRPCTransport is the production transport: one gRPC server for inbound
// RPCs and a lazily dialed client connection per peer.
type GRPCTransport struct {
	id     types.NodeID
	bind   string
	logger zerolog.Logger

	mu      sync.RWMutex
	handler Handler
	peers   map[types.NodeID]string
	conns   map[types.NodeID]*grpc.ClientConn
	closed  bool

	server *grpc.Server
	lis    net.Listener
}

// NewGRPCTransport creates a transport for id bound to bind, with the given
// peer address book. Start must be called before inbound RPCs flow.
func NewGRPCTransport(id types.NodeID, bind string, peers map[types.NodeID]string) *GRPCTransport {
	book := make(map[types.NodeID]string, len(peers))
	for pid, addr := range peers {
		book[pid] = addr
	}
	return &GRPCTransport{
		id:     id,
		bind:   bind,
		logger: log.WithComponent("transport").With().Str("node_id", string(id)).Logger(),
		peers:  book,
		conns:  make(map[types.NodeID]*grpc.ClientConn),
	}
}

// Start binds the listener and begins serving inbound RPCs.
func (t *GRPCTransport) Start() error {
	lis, err := net.Listen("tcp", t.bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.bind, err)
	}
	t.lis = lis
	t.server = grpc.NewServer()
	t.server.RegisterService(&raftServiceDesc, t)

	go func() {
		if err := t.server.Serve(lis); err != nil {
			t.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	t.logger.Info().Str("bind", lis.Addr().String()).Msg("transport listening")
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (t *GRPCTransport) Addr() string {
	if t.lis == nil {
		return t.bind
	}
	return t.lis.Addr().String()
}

// SetPeer adds or updates a peer's address, dropping any stale connection.
func (t *GRPCTransport) SetPeer(id types.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
	if conn, ok := t.conns[id]; ok {
		conn.Close()
		delete(t.conns, id)
	}
}

func (t *GRPCTransport) LocalID() types.NodeID {
	return t.id
}

func (t *GRPCTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *GRPCTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Close stops the server and drops every peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.handler = nil
	conns := t.conns
	t.conns = make(map[types.NodeID]*grpc.ClientConn)
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}

func (t *GRPCTransport) conn(target types.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, &Error{Kind: KindClosed, Op: "dial", Peer: target}
	}
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	addr, ok := t.peers[target]
	t.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnreachable, Op: "dial", Peer: target, Err: fmt.Errorf("unknown peer")}
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: "dial", Peer: target, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, &Error{Kind: KindClosed, Op: "dial", Peer: target}
	}
	if existing, ok := t.conns[target]; ok {
		conn.Close()
		return existing, nil
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *GRPCTransport) SendRequestVote(target types.NodeID, req *types.RequestVoteRequest, timeout time.Duration) *future.Future[*types.RequestVoteResponse] {
	return invoke[types.RequestVoteRequest, types.RequestVoteResponse](t, target, "RequestVote", req, timeout)
}

func (t *GRPCTransport) SendAppendEntries(target types.NodeID, req *types.AppendEntriesRequest, timeout time.Duration) *future.Future[*types.AppendEntriesResponse] {
	return invoke[types.AppendEntriesRequest, types.AppendEntriesResponse](t, target, "AppendEntries", req, timeout)
}

func (t *GRPCTransport) SendInstallSnapshot(target types.NodeID, req *types.InstallSnapshotRequest, timeout time.Duration) *future.Future[*types.InstallSnapshotResponse] {
	return invoke[types.InstallSnapshotRequest, types.InstallSnapshotResponse](t, target, "InstallSnapshot", req, timeout)
}

func invoke[Req any, Resp any](t *GRPCTransport, target types.NodeID, method string, req *Req, timeout time.Duration) *future.Future[*Resp] {
	p := future.NewPromise[*Resp]()

	go func() {
		conn, err := t.conn(target)
		if err != nil {
			p.Fail(err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDKey, uuid.NewString())

		resp := new(Resp)
		err = conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
		if err != nil {
			tErr := classify(err, method, target)
			t.mu.RLock()
			if t.closed {
				tErr.Kind = KindClosed
			}
			t.mu.RUnlock()
			p.Fail(tErr)
			return
		}
		p.Complete(resp)
	}()

	return p.Future()
}

// classify maps a gRPC failure to a transport error kind. Only the status
// code participates; message content never does.
func classify(err error, op string, peer types.NodeID) *Error {
	kind := KindTemporary
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			kind = KindTimeout
		case codes.Unavailable:
			kind = KindUnreachable
		case codes.Canceled:
			kind = KindTemporary
		case codes.InvalidArgument, codes.Internal, codes.Unimplemented:
			kind = KindMalformed
		}
	}
	return &Error{Kind: kind, Op: op, Peer: peer, Err: err}
}

// RequestVote implements raftService for inbound dispatch.
func (t *GRPCTransport) RequestVote(_ context.Context, req *types.RequestVoteRequest) (*types.RequestVoteResponse, error) {
	h := t.getHandler()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "no handler registered")
	}
	return h.HandleRequestVote(req), nil
}

// AppendEntries implements raftService for inbound dispatch.
func (t *GRPCTransport) AppendEntries(_ context.Context, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	h := t.getHandler()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "no handler registered")
	}
	return h.HandleAppendEntries(req), nil
}

// InstallSnapshot implements raftService for inbound dispatch.
func (t *GRPCTransport) InstallSnapshot(_ context.Context, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	h := t.getHandler()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "no handler registered")
	}
	return h.HandleInstallSnapshot(req), nil
}
