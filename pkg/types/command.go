package types

import (
	"fmt"
	"time"
)

// type of FSM command
type CommandType uint

const (
	CommandTypeAcquire CommandType = iota + 1
	CommandTypeRenew
	CommandTypeRelease
	CommandTypeIncCounter
	CommandTypeResetCounter
	CommandTypeAttach
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeAcquire:
		return "acquire"
	case CommandTypeRenew:
		return "renew"
	case CommandTypeRelease:
		return "release"
	case CommandTypeIncCounter:
		return "inc_counter"
	case CommandTypeResetCounter:
		return "reset_counter"
	case CommandTypeAttach:
		return "attach"
	default:
		return fmt.Sprintf("command(%d)", uint(t))
	}
}

// Idempotent reports whether applying a command of this type twice leaves
// the state machine where applying it once would. A command whose delivery
// is unknown is only resent when this holds, so counters are at-most-once.
func (t CommandType) Idempotent() bool {
	switch t {
	case CommandTypeIncCounter, CommandTypeResetCounter:
		return false
	default:
		return true
	}
}

// interface all FSM commands implement
// Validate rejects commands that would break the state machine's assumptions,
// it runs before a command is encoded and again after it is decoded
type Command interface {
	Type() CommandType
	Validate() error
}

// acquires (or re-acquires) a lease on a path
// Time is the holder's clock at the attempt, every replica compares against it
type AcquireCmd struct {
	Namespace string
	Path      string
	ClientID  string
	Time      time.Time
}

func (c AcquireCmd) Type() CommandType { return CommandTypeAcquire }

func (c AcquireCmd) Validate() error {
	if err := requireFields(c.Namespace, c.ClientID); err != nil {
		return err
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidCommand)
	}
	return requireTime(c.Time)
}

// refreshes every live lease of ClientID in Namespace and drops expired ones
type RenewCmd struct {
	Namespace string
	ClientID  string
	Time      time.Time
}

func (c RenewCmd) Type() CommandType { return CommandTypeRenew }

func (c RenewCmd) Validate() error {
	if err := requireFields(c.Namespace, c.ClientID); err != nil {
		return err
	}
	return requireTime(c.Time)
}

// releases a lease, no-op unless ClientID is the holder
type ReleaseCmd struct {
	Namespace string
	Path      string
	ClientID  string
}

func (c ReleaseCmd) Type() CommandType { return CommandTypeRelease }

func (c ReleaseCmd) Validate() error {
	if err := requireFields(c.Namespace, c.ClientID); err != nil {
		return err
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidCommand)
	}
	return nil
}

type IncCounterCmd struct{}

func (c IncCounterCmd) Type() CommandType { return CommandTypeIncCounter }
func (c IncCounterCmd) Validate() error   { return nil }

type ResetCounterCmd struct{}

func (c ResetCounterCmd) Type() CommandType { return CommandTypeResetCounter }
func (c ResetCounterCmd) Validate() error   { return nil }

// publishes a resource descriptor next to a lease the caller holds
type AttachCmd struct {
	Namespace string
	Path      string
	ClientID  string
	Time      time.Time
	Resources Resources
}

func (c AttachCmd) Type() CommandType { return CommandTypeAttach }

func (c AttachCmd) Validate() error {
	if err := requireFields(c.Namespace, c.ClientID); err != nil {
		return err
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidCommand)
	}
	return requireTime(c.Time)
}

// NewAcquire builds a validated acquire command.
func NewAcquire(namespace, path, clientID string, at time.Time) (AcquireCmd, error) {
	cmd := AcquireCmd{Namespace: namespace, Path: path, ClientID: clientID, Time: at}
	return cmd, cmd.Validate()
}

// NewRenew builds a validated renew command.
func NewRenew(namespace, clientID string, at time.Time) (RenewCmd, error) {
	cmd := RenewCmd{Namespace: namespace, ClientID: clientID, Time: at}
	return cmd, cmd.Validate()
}

// NewRelease builds a validated release command.
func NewRelease(namespace, path, clientID string) (ReleaseCmd, error) {
	cmd := ReleaseCmd{Namespace: namespace, Path: path, ClientID: clientID}
	return cmd, cmd.Validate()
}

// NewAttach builds a validated attach command.
func NewAttach(namespace, path, clientID string, at time.Time, res Resources) (AttachCmd, error) {
	cmd := AttachCmd{Namespace: namespace, Path: path, ClientID: clientID, Time: at, Resources: res}
	return cmd, cmd.Validate()
}

func requireFields(namespace, clientID string) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace required", ErrInvalidCommand)
	}
	if clientID == "" {
		return fmt.Errorf("%w: client id required", ErrInvalidCommand)
	}
	return nil
}

func requireTime(t time.Time) error {
	if t.IsZero() || t.UnixNano() <= 0 {
		return fmt.Errorf("%w: timestamp required", ErrInvalidCommand)
	}
	return nil
}
