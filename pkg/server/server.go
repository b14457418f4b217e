package server

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/directory"
	"github.com/pixperk/holdfast/pkg/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	node   *raft.Node
	dir    *directory.Directory
	logger hclog.Logger
}

// wraps the raft node into a gRPC server
func NewServer(node *raft.Node, dir *directory.Directory, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if dir == nil {
		dir = directory.New()
	}
	return &Server{
		node:   node,
		dir:    dir,
		logger: logger.Named("server"),
	}
}

// builds a grpc.Server with the replica service and token auth installed
func NewGRPCServer(s *Server, token string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(TokenAuthInterceptor(token)))
	g := grpc.NewServer(opts...)
	RegisterReplicaServer(g, s)
	return g
}

// applies a command a follower sent on behalf of its client
func (s *Server) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	if !s.node.IsLeader() {
		return nil, notLeaderError(s.node.GetLeader())
	}

	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command required")
	}

	resp, err := s.node.ApplyEncoded(ctx, req.Command)
	if err != nil {
		s.logger.Debug("forwarded command failed", "error", err)
		return nil, toGRPCError(err)
	}

	return &ForwardResponse{Response: resp}, nil
}

func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	stats := s.node.Stats()

	return &StatusResponse{
		NodeID:        s.node.GetNodeID(),
		IsLeader:      s.node.IsLeader(),
		LeaderAddress: s.node.GetLeader(),
		LeaderID:      s.node.GetLeaderID(),
		ClusterSize:   s.node.GetClusterSize(),
		State:         s.node.GetState().String(),
		Leases:        stats.Leases,
		Counter:       stats.Counter,
	}, nil
}

// lists the names this process exposes
func (s *Server) Directory(ctx context.Context, req *DirectoryRequest) (*DirectoryResponse, error) {
	return &DirectoryResponse{Names: s.dir.Names()}, nil
}
