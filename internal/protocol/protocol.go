// Package protocol defines the JSON frames exchanged with realtime clients.
//
// Every frame is a flat JSON object carrying a snake_case "type" tag. The
// set of variants is closed: inbound frames implement Inbound, outbound
// frames implement Outbound, and both interfaces are sealed so that decoding
// and encoding can switch exhaustively over them.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// Type is the value of the "type" tag of a frame.
type Type string

// Inbound frame types.
const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeSendMessage Type = "send_message"
)

// Outbound frame types.
const (
	TypeMessageCreated Type = "message_created"
	TypeSubscribed     Type = "subscribed"
	TypeUnsubscribed   Type = "unsubscribed"
	TypeError          Type = "error"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON or
	// lack required fields.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for frames whose tag is missing, unknown, or
	// not accepted in the inbound direction.
	ErrUnknownType = errors.New("unknown frame type")
)

// IsProtocolError reports whether err was produced while decoding a frame.
func IsProtocolError(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrMalformedFrame || cause == ErrUnknownType
}

// Inbound is a frame sent by a client.
type Inbound interface {
	inbound()
	Type() Type
}

// Outbound is a frame sent to a client.
type Outbound interface {
	outbound()
	Type() Type
}

// Subscribe asks the server to deliver new messages of a channel.
type Subscribe struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// Unsubscribe stops delivery of a channel to the sending connection.
type Unsubscribe struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// SendMessage asks the server to create a message in a channel.
type SendMessage struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Content   string    `json:"content"`
}

// MessageCreated announces a persisted message.
type MessageCreated struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribed acknowledges a Subscribe frame.
type Subscribed struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// Unsubscribed acknowledges an Unsubscribe frame.
type Unsubscribed struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// Error reports a problem with a previous frame.
type Error struct {
	Message string `json:"message"`
}

func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (SendMessage) inbound() {}

func (MessageCreated) outbound() {}
func (Subscribed) outbound()     {}
func (Unsubscribed) outbound()   {}
func (Error) outbound()          {}

func (Subscribe) Type() Type      { return TypeSubscribe }
func (Unsubscribe) Type() Type    { return TypeUnsubscribe }
func (SendMessage) Type() Type    { return TypeSendMessage }
func (MessageCreated) Type() Type { return TypeMessageCreated }
func (Subscribed) Type() Type     { return TypeSubscribed }
func (Unsubscribed) Type() Type   { return TypeUnsubscribed }
func (Error) Type() Type          { return TypeError }

type envelope struct {
	Type Type `json:"type"`
}

// DecodeInbound parses a client frame. Errors satisfy IsProtocolError.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Annotatef(ErrMalformedFrame, "decode envelope: %v", err)
	}

	switch env.Type {
	case TypeSubscribe:
		var f Subscribe
		if err := decodeBody(data, &f); err != nil {
			return nil, err
		}
		if f.ChannelID == uuid.Nil {
			return nil, errors.Annotate(ErrMalformedFrame, "subscribe: channel_id is required")
		}
		return f, nil
	case TypeUnsubscribe:
		var f Unsubscribe
		if err := decodeBody(data, &f); err != nil {
			return nil, err
		}
		if f.ChannelID == uuid.Nil {
			return nil, errors.Annotate(ErrMalformedFrame, "unsubscribe: channel_id is required")
		}
		return f, nil
	case TypeSendMessage:
		var f SendMessage
		if err := decodeBody(data, &f); err != nil {
			return nil, err
		}
		if f.ChannelID == uuid.Nil {
			return nil, errors.Annotate(ErrMalformedFrame, "send_message: channel_id is required")
		}
		return f, nil
	case "":
		return nil, errors.Annotate(ErrUnknownType, "missing type tag")
	default:
		return nil, errors.Annotatef(ErrUnknownType, "%q is not an inbound frame", env.Type)
	}
}

func decodeBody(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Annotatef(ErrMalformedFrame, "decode body: %v", err)
	}
	return nil
}

// Encode renders an outbound frame as JSON with its type tag.
func Encode(f Outbound) ([]byte, error) {
	switch m := f.(type) {
	case MessageCreated:
		return json.Marshal(struct {
			Type Type `json:"type"`
			MessageCreated
		}{TypeMessageCreated, m})
	case Subscribed:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Subscribed
		}{TypeSubscribed, m})
	case Unsubscribed:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Unsubscribed
		}{TypeUnsubscribed, m})
	case Error:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Error
		}{TypeError, m})
	default:
		return nil, errors.Errorf("encode: unsupported outbound frame %T", f)
	}
}

// EncodeInbound renders an inbound frame. Clients and tests use it.
func EncodeInbound(f Inbound) ([]byte, error) {
	switch m := f.(type) {
	case Subscribe:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Subscribe
		}{TypeSubscribe, m})
	case Unsubscribe:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Unsubscribe
		}{TypeUnsubscribe, m})
	case SendMessage:
		return json.Marshal(struct {
			Type Type `json:"type"`
			SendMessage
		}{TypeSendMessage, m})
	default:
		return nil, errors.Errorf("encode: unsupported inbound frame %T", f)
	}
}

// DecodeOutbound parses a server frame. It is the client-side counterpart of
// DecodeInbound.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Annotatef(ErrMalformedFrame, "decode envelope: %v", err)
	}

	switch env.Type {
	case TypeMessageCreated:
		var f MessageCreated
		err := decodeBody(data, &f)
		return f, err
	case TypeSubscribed:
		var f Subscribed
		err := decodeBody(data, &f)
		return f, err
	case TypeUnsubscribed:
		var f Unsubscribed
		err := decodeBody(data, &f)
		return f, err
	case TypeError:
		var f Error
		err := decodeBody(data, &f)
		return f, err
	default:
		return nil, errors.Annotatef(ErrUnknownType, "%q is not an outbound frame", env.Type)
	}
}
