package message

import (
	"encoding/json"
	"fmt"
)

// Codec maps (event, payload) pairs to websocket messages and back.
type Codec interface {
	Encode(event string, payload any) ([]byte, error)
	Decode(data []byte) (event string, payload json.RawMessage, err error)
}

var (
	// EventCodec wraps payloads in {"event": ..., "data": ...} envelopes.
	EventCodec Codec = eventCodec{}

	// FrameCodec speaks the flat worker frame format. The event name of a
	// decoded frame is its type and the payload is the whole frame.
	FrameCodec Codec = frameCodec{}
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type eventCodec struct{}

func (eventCodec) Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (eventCodec) Decode(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("envelope without event name")
	}
	return env.Event, env.Data, nil
}

type frameCodec struct{}

func (frameCodec) Encode(event string, payload any) ([]byte, error) {
	f, ok := payload.(Frame)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a frame", ErrUnknownFrame, payload)
	}
	if event != "" && FrameType(event) != f.FrameType() {
		return nil, fmt.Errorf("event %q does not match frame type %q", event, f.FrameType())
	}
	return MarshalFrame(f)
}

func (frameCodec) Decode(data []byte) (string, json.RawMessage, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return string(head.Type), json.RawMessage(data), nil
}
