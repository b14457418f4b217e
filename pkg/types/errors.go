package types

import "errors"

var (
	// Command errors
	ErrInvalidCommand   = errors.New("invalid command")
	ErrUnknownCommand   = errors.New("unknown command type")
	ErrUnknownNamespace = errors.New("unknown lease namespace")
	ErrMalformedCommand = errors.New("malformed command encoding")

	// Replication errors
	ErrNoLeader          = errors.New("no raft leader known")
	ErrNotLeader         = errors.New("node is not the raft leader")
	ErrLeaderUnreachable = errors.New("raft leader unreachable")

	// Client errors
	ErrClockRegression = errors.New("clock moved backwards since the last issued command")
	ErrClientClosed    = errors.New("lease client is closed")
	ErrNotHolder       = errors.New("caller does not hold the lease")
)
