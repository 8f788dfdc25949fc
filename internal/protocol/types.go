package protocol

import (
	"encoding/json"
	"errors"
)

// Request types as they appear in the "type" field.
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeSendMessage = "SEND_MESSAGE"
)

// Errors
var (
	ErrMalformed   = errors.New("malformed request")
	ErrUnknownType = errors.New("unknown request type")
	ErrMissingRoom = errors.New("missing room")
)

// Request is one decoded client request. The set of implementations is
// closed: Subscribe, Unsubscribe and SendMessage.
type Request interface {
	// RoomName returns the room the request targets.
	RoomName() string

	isRequest()
}

// Subscribe asks to receive every message published to Room.
type Subscribe struct {
	Room string
}

// Unsubscribe stops delivery for Room.
type Unsubscribe struct {
	Room string
}

// SendMessage publishes Message to Room through the bus.
type SendMessage struct {
	Room    string
	Message string
}

func (r Subscribe) RoomName() string   { return r.Room }
func (r Unsubscribe) RoomName() string { return r.Room }
func (r SendMessage) RoomName() string { return r.Room }

func (Subscribe) isRequest()   {}
func (Unsubscribe) isRequest() {}
func (SendMessage) isRequest() {}

// ServerMessage is the envelope delivered to clients, one per bus message.
type ServerMessage struct {
	Room string `json:"room"`
	Data string `json:"data"`
}

// ErrorMessage is sent to a client when a request cannot be served.
type ErrorMessage struct {
	Error string `json:"error"`
}

// Wire types for JSON parsing

// requestWire is the tagged outer object of every inbound frame.
type requestWire struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// roomPayloadWire is the payload of SUBSCRIBE and UNSUBSCRIBE.
type roomPayloadWire struct {
	Room *string `json:"room"`
}

// messagePayloadWire is the payload of SEND_MESSAGE.
type messagePayloadWire struct {
	Room    *string `json:"room"`
	Message *string `json:"message"`
}
