package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses one inbound text frame into a Request.
func Decode(data []byte) (Request, error) {
	var wire requestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if wire.Type == "" {
		return nil, fmt.Errorf("%w: missing field `type`", ErrMalformed)
	}
	if len(wire.Payload) == 0 || bytes.Equal(wire.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: missing field `payload`", ErrMalformed)
	}

	switch wire.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p roomPayloadWire
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, wire.Type, err)
		}
		if p.Room == nil || *p.Room == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingRoom)
		}
		if wire.Type == TypeSubscribe {
			return Subscribe{Room: *p.Room}, nil
		}
		return Unsubscribe{Room: *p.Room}, nil

	case TypeSendMessage:
		var p messagePayloadWire
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, wire.Type, err)
		}
		if p.Room == nil || *p.Room == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingRoom)
		}
		if p.Message == nil {
			return nil, fmt.Errorf("%w: missing field `message`", ErrMalformed)
		}
		return SendMessage{Room: *p.Room, Message: *p.Message}, nil

	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownType, wire.Type)
	}
}

// Encode builds the wire form of a request. Used by clients (relay tail).
func Encode(req Request) ([]byte, error) {
	var (
		typ     string
		payload any
	)

	switch r := req.(type) {
	case Subscribe:
		typ, payload = TypeSubscribe, struct {
			Room string `json:"room"`
		}{r.Room}
	case Unsubscribe:
		typ, payload = TypeUnsubscribe, struct {
			Room string `json:"room"`
		}{r.Room}
	case SendMessage:
		typ, payload = TypeSendMessage, struct {
			Room    string `json:"room"`
			Message string `json:"message"`
		}{r.Room, r.Message}
	default:
		return nil, fmt.Errorf("encode %T: %w", req, ErrUnknownType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(requestWire{Type: typ, Payload: raw})
}

// EncodeServerMessage marshals the envelope for one delivered payload.
func EncodeServerMessage(room, data string) ([]byte, error) {
	return json.Marshal(ServerMessage{Room: room, Data: data})
}

// EncodeError marshals an error envelope.
func EncodeError(msg string) []byte {
	// Marshalling a single string field cannot fail.
	data, _ := json.Marshal(ErrorMessage{Error: msg})
	return data
}

// ParseErrorText is the error envelope text for a frame Decode rejected.
func ParseErrorText(err error) string {
	return "Failed to parse message: " + err.Error()
}
