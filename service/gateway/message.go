package gateway

import (
	"encoding/json"
	"time"

	"PPCollab/tools/errs"
)

// Inbound types.
const (
	TypeAuthenticate    = "authenticate"
	TypeJoinInstance    = "join_instance"
	TypeLeaveInstance   = "leave_instance"
	TypeInstanceMessage = "instance_message"
	TypePing            = "ping"
)

// Outbound types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthenticated         = "authenticated"
	TypeJoinedInstance        = "joined_instance"
	TypeLeftInstance          = "left_instance"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeInstanceStateUpdate   = "instance_state_update"
	TypeInstanceStateSync     = "instance_state_sync"
	TypeUserStateUpdate       = "user_state_update"
	TypeSystemStateUpdate     = "system_state_update"
	TypeSystemMessage         = "system_message"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Envelope is the wire shape {type, data?, timestamp} in both directions.
// Clients send timestamp as epoch millis or as a string; it is kept raw and
// never interpreted.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Message is an outbound envelope before encoding.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(typ string, data any) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// ErrorData is the payload of an "error" message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorMessage(err error) Message {
	ce := errs.From(err)
	ed := ErrorData{Code: ce.Code, Message: ce.Msg}
	if ce.Detail != "" {
		ed.Message += ": " + ce.Detail
	}
	return NewMessage(TypeError, ed)
}

// ParseEnvelope rejects anything that is not an object with a type.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrInvalidMessage.WithDetail(err.Error())
	}
	if env.Type == "" {
		return nil, errs.ErrInvalidMessage.WithDetail("missing type")
	}
	return &env, nil
}
