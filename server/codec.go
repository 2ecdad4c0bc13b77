package server

import (
	"encoding/json"
	"fmt"
)

// jsonCodec carries the plain Go message structs of the control service.
// It takes the name of connect's built-in JSON codec, so requests use the
// usual application/json content type.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}
