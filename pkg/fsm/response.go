package fsm

import (
	"encoding/json"
	"fmt"

	"github.com/pixperk/holdfast/pkg/types"
)

// EncodeResponse serialises an Apply result so a leader can hand it back to
// the follower that forwarded the command.
func EncodeResponse(resp any) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse restores the typed response for a command of type t.
func DecodeResponse(t types.CommandType, data []byte) (any, error) {
	switch t {
	case types.CommandTypeAcquire:
		var r AcquireResponse
		if err := unmarshalResponse(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case types.CommandTypeRenew:
		var r RenewResponse
		if err := unmarshalResponse(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case types.CommandTypeRelease:
		var r ReleaseResponse
		if err := unmarshalResponse(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case types.CommandTypeIncCounter, types.CommandTypeResetCounter:
		var r CounterResponse
		if err := unmarshalResponse(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case types.CommandTypeAttach:
		var r AttachResponse
		if err := unmarshalResponse(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %d", types.ErrUnknownCommand, uint(t))
	}
}

func unmarshalResponse(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
