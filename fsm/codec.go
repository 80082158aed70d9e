package fsm

import (
	"encoding/json"
	"fmt"
)

// Codec encodes run records and events for the state store.
type Codec interface {
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
}

// jsonCodec keeps the store readable with bbolt's own tooling.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fsm: encode %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fsm: decode %T: %w", v, err)
	}
	return nil
}
