package types

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers of the command envelope
// the layout is protobuf-compatible so other tooling can read the raft log:
//
//	message Command {
//	  uint32 type = 1;
//	  string namespace = 2;
//	  string path = 3;
//	  string client_id = 4;
//	  sint64 time_unix_nano = 5;
//	  bytes resources_json = 6;
//	}
const (
	fieldType      protowire.Number = 1
	fieldNamespace protowire.Number = 2
	fieldPath      protowire.Number = 3
	fieldClientID  protowire.Number = 4
	fieldTime      protowire.Number = 5
	fieldResources protowire.Number = 6
)

type envelope struct {
	typ       CommandType
	namespace string
	path      string
	clientID  string
	time      time.Time
	resources []byte
}

// Encode serialises a command into the bytes stored in the raft log.
// Fields are always written in field-number order so equal commands produce
// equal bytes.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	env := envelope{typ: cmd.Type()}
	switch c := cmd.(type) {
	case AcquireCmd:
		env.namespace, env.path, env.clientID, env.time = c.Namespace, c.Path, c.ClientID, c.Time
	case RenewCmd:
		env.namespace, env.clientID, env.time = c.Namespace, c.ClientID, c.Time
	case ReleaseCmd:
		env.namespace, env.path, env.clientID = c.Namespace, c.Path, c.ClientID
	case IncCounterCmd, ResetCounterCmd:
	case AttachCmd:
		env.namespace, env.path, env.clientID, env.time = c.Namespace, c.Path, c.ClientID, c.Time
		res, err := json.Marshal(c.Resources)
		if err != nil {
			return nil, fmt.Errorf("marshal resources: %w", err)
		}
		env.resources = res
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	return env.marshal(), nil
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, 64+len(e.namespace)+len(e.path)+len(e.clientID)+len(e.resources))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.typ))
	if e.namespace != "" {
		b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
		b = protowire.AppendString(b, e.namespace)
	}
	if e.path != "" {
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, e.path)
	}
	if e.clientID != "" {
		b = protowire.AppendTag(b, fieldClientID, protowire.BytesType)
		b = protowire.AppendString(b, e.clientID)
	}
	if !e.time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.time.UnixNano()))
	}
	if len(e.resources) > 0 {
		b = protowire.AppendTag(b, fieldResources, protowire.BytesType)
		b = protowire.AppendBytes(b, e.resources)
	}
	return b
}

// Decode parses bytes produced by Encode back into a validated command.
func Decode(data []byte) (Command, error) {
	var env envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(m))
			}
			env.typ = CommandType(v)
			n = m
		case num == fieldTime && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(m))
			}
			env.time = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			n = m
		case typ == protowire.BytesType && (num == fieldNamespace || num == fieldPath || num == fieldClientID || num == fieldResources):
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(m))
			}
			switch num {
			case fieldNamespace:
				env.namespace = string(v)
			case fieldPath:
				env.path = string(v)
			case fieldClientID:
				env.clientID = string(v)
			case fieldResources:
				env.resources = append([]byte(nil), v...)
			}
			n = m
		default:
			//skip fields written by newer versions
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(m))
			}
			n = m
		}
		data = data[n:]
	}

	cmd, err := env.command()
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (e envelope) command() (Command, error) {
	switch e.typ {
	case CommandTypeAcquire:
		return AcquireCmd{Namespace: e.namespace, Path: e.path, ClientID: e.clientID, Time: e.time}, nil
	case CommandTypeRenew:
		return RenewCmd{Namespace: e.namespace, ClientID: e.clientID, Time: e.time}, nil
	case CommandTypeRelease:
		return ReleaseCmd{Namespace: e.namespace, Path: e.path, ClientID: e.clientID}, nil
	case CommandTypeIncCounter:
		return IncCounterCmd{}, nil
	case CommandTypeResetCounter:
		return ResetCounterCmd{}, nil
	case CommandTypeAttach:
		var res Resources
		if len(e.resources) > 0 {
			if err := json.Unmarshal(e.resources, &res); err != nil {
				return nil, fmt.Errorf("%w: resources: %v", ErrMalformedCommand, err)
			}
		}
		return AttachCmd{Namespace: e.namespace, Path: e.path, ClientID: e.clientID, Time: e.time, Resources: res}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint(e.typ))
	}
}
