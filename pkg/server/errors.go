package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixperk/holdfast/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	//the command never reached the log, resending it is safe
	case errors.Is(err, types.ErrNotLeader), errors.Is(err, types.ErrNoLeader):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, types.ErrInvalidCommand),
		errors.Is(err, types.ErrMalformedCommand),
		errors.Is(err, types.ErrUnknownCommand),
		errors.Is(err, types.ErrUnknownNamespace):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// the reverse of toGRPCError for the calling side
// Unavailable comes from the transport, the leader may or may not have
// applied the command before the connection dropped
func fromGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", types.ErrNotLeader, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", types.ErrLeaderUnreachable, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrInvalidCommand, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return err
	}
}

// returns a not leader error with the given leader address
// includes the current leader address in the error message
func notLeaderError(leaderAddr string) error {
	return status.Errorf(codes.FailedPrecondition,
		"not leader, leader is at : %s", leaderAddr)
}
