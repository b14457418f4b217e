package server

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authMetadataKey = "authorization"

// rejects calls that do not carry the shared cluster token
// an empty token disables the check
func TokenAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte("Bearer " + token)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get(authMetadataKey)
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		if subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		return handler(ctx, req)
	}
}

// per-RPC credentials that attach the shared token
type tokenCredentials struct {
	token string
}

func (c tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{authMetadataKey: "Bearer " + c.token}, nil
}

// the cluster runs on trusted networks without TLS
func (c tokenCredentials) RequireTransportSecurity() bool {
	return false
}
