package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	"github.com/pixperk/holdfast/pkg/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var _ raft.Forwarder = (*RemoteForwarder)(nil)

// RPCAddr derives a node's gRPC address from its raft address: same host,
// port shifted by offset.
func RPCAddr(raftAddr string, offset int) (string, error) {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return "", fmt.Errorf("invalid raft address %q: %w", raftAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid raft port %q: %w", portStr, err)
	}
	rpcPort := port + offset
	if rpcPort <= 0 || rpcPort > 65535 {
		return "", fmt.Errorf("rpc port %d out of range", rpcPort)
	}
	return net.JoinHostPort(host, strconv.Itoa(rpcPort)), nil
}

// RemoteForwarder talks to other replicas over the Replica service. It keeps
// one connection per peer, dialled on first use.
type RemoteForwarder struct {
	portOffset int
	dialOpts   []grpc.DialOption
	logger     hclog.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

func NewRemoteForwarder(portOffset int, token string, logger hclog.Logger, opts ...grpc.DialOption) *RemoteForwarder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(tokenCredentials{token: token}))
	}

	return &RemoteForwarder{
		portOffset: portOffset,
		dialOpts:   append(dialOpts, opts...),
		logger:     logger.Named("forwarder"),
		conns:      make(map[string]*grpc.ClientConn),
	}
}

func (f *RemoteForwarder) conn(raftAddr string) (*grpc.ClientConn, error) {
	target, err := RPCAddr(raftAddr, f.portOffset)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errors.New("forwarder closed")
	}
	if cc, ok := f.conns[target]; ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(target, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	f.logger.Debug("connected to peer", "raft_addr", raftAddr, "rpc_addr", target)
	f.conns[target] = cc
	return cc, nil
}

// Forward sends an encoded command to the leader and returns its encoded
// response.
func (f *RemoteForwarder) Forward(ctx context.Context, leaderID hraft.ServerID, leaderAddr hraft.ServerAddress, data []byte) ([]byte, error) {
	cc, err := f.conn(string(leaderAddr))
	if err != nil {
		return nil, err
	}

	out := new(ForwardResponse)
	if err := cc.Invoke(ctx, forwardMethod, &ForwardRequest{Command: data}, out); err != nil {
		return nil, fromGRPCError(err)
	}
	return out.Response, nil
}

// Status asks the replica at raftAddr for its view of the cluster.
func (f *RemoteForwarder) Status(ctx context.Context, raftAddr string) (*StatusResponse, error) {
	cc, err := f.conn(raftAddr)
	if err != nil {
		return nil, err
	}

	out := new(StatusResponse)
	if err := cc.Invoke(ctx, statusMethod, &StatusRequest{}, out); err != nil {
		return nil, fromGRPCError(err)
	}
	return out, nil
}

// Directory lists the names exposed by the replica at raftAddr.
func (f *RemoteForwarder) Directory(ctx context.Context, raftAddr string) ([]string, error) {
	cc, err := f.conn(raftAddr)
	if err != nil {
		return nil, err
	}

	out := new(DirectoryResponse)
	if err := cc.Invoke(ctx, directoryMethod, &DirectoryRequest{}, out); err != nil {
		return nil, fromGRPCError(err)
	}
	return out.Names, nil
}

func (f *RemoteForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	var errs []error
	for target, cc := range f.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
		delete(f.conns, target)
	}
	return errors.Join(errs...)
}
