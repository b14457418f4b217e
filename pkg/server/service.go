package server

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "holdfast.v1.Replica"

const (
	forwardMethod   = "/" + serviceName + "/Forward"
	statusMethod    = "/" + serviceName + "/Status"
	directoryMethod = "/" + serviceName + "/Directory"
)

// an encoded command headed for the leader
type ForwardRequest struct {
	Command []byte `json:"command"`
}

// the encoded state machine response
type ForwardResponse struct {
	Response []byte `json:"response"`
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeID        string         `json:"node_id"`
	IsLeader      bool           `json:"is_leader"`
	LeaderAddress string         `json:"leader_address"`
	LeaderID      string         `json:"leader_id"`
	ClusterSize   int            `json:"cluster_size"`
	State         string         `json:"state"`
	Leases        map[string]int `json:"leases"`
	Counter       int64          `json:"counter"`
}

type DirectoryRequest struct{}

type DirectoryResponse struct {
	Names []string `json:"names"`
}

// ReplicaServer is the server side of the holdfast.v1.Replica service.
type ReplicaServer interface {
	Forward(context.Context, *ForwardRequest) (*ForwardResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Directory(context.Context, *DirectoryRequest) (*DirectoryResponse, error)
}

func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Directory", Handler: directoryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "holdfast/v1/replica",
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ForwardRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: forwardMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Forward(ctx, req.(*ForwardRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func directoryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DirectoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Directory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: directoryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Directory(ctx, req.(*DirectoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}
