package ipc

import (
	"io"
	"strings"
	"unicode/utf8"
)

// AASBPrefix namespaces topic categories and action strings of AASB messages.
const AASBPrefix = "com.amazon.aacs.aasb."

// Fixed action and category strings for non-AASB envelopes.
const (
	ActionConfig      = "com.amazon.aacs.service.config"
	ActionFetch       = "com.amazon.aacs.service.fetch"
	ActionCancelFetch = "com.amazon.aacs.service.cancelFetch"
	ActionPush        = "com.amazon.aacs.service.push"
	CategoryService   = "com.amazon.aacs.service"
)

// Ack states
const (
	AckSuccess = "success"
	AckFailure = "failure"
)

// MessageType is the payload kind of a message envelope.
type MessageType string

const (
	MessageTypeEmbedded MessageType = "embedded"
	MessageTypeStreamed MessageType = "streamed"
)

// Envelope is one unit delivered through a Transport or posted to a Messenger.
//
// Message envelopes set Type. Streamed envelopes never carry payload bytes:
// they carry TransferID/ResourceID and a ReplyTo messenger through which the
// receiver hands back a WriteTo channel. Acks set State. Fetch and push
// requests set StreamID; their replies carry ReadFrom or WriteTo.
type Envelope struct {
	Action   string
	Category string

	Type    MessageType
	Message string

	TransferID string
	ResourceID string
	StreamID   string
	State      string

	ReplyTo  Messenger
	WriteTo  io.WriteCloser
	ReadFrom io.ReadCloser
}

// Topic returns the AASB topic carried in Category, or Category unchanged
// for non-AASB envelopes.
func (e *Envelope) Topic() string {
	return strings.TrimPrefix(e.Category, AASBPrefix)
}

// ActionName returns the AASB action carried in Action.
func (e *Envelope) ActionName() string {
	return strings.TrimPrefix(e.Action, AASBPrefix)
}

// IsAck reports whether this is a completion acknowledgement.
func (e *Envelope) IsAck() bool {
	return e.State != ""
}

// AckOK reports whether an acknowledgement signals success.
func (e *Envelope) AckOK() bool {
	return e.State == AckSuccess
}

// Validate checks that a received envelope has the fields its kind needs.
func (e *Envelope) Validate() error {
	switch e.Action {
	case ActionFetch, ActionPush:
		if e.StreamID == "" {
			return newError(ErrorTypeMalformedEnvelope, "%s request without stream id", e.Action)
		}
		if e.ReplyTo == nil {
			return newError(ErrorTypeMalformedEnvelope, "%s request without reply messenger", e.Action)
		}
		return nil
	case ActionCancelFetch:
		if e.StreamID == "" {
			return newError(ErrorTypeMalformedEnvelope, "cancel fetch without stream id")
		}
		return nil
	}

	switch e.Type {
	case MessageTypeEmbedded:
		return nil
	case MessageTypeStreamed:
		if e.TransferID == "" || e.ResourceID == "" {
			return newError(ErrorTypeMalformedEnvelope, "streamed envelope without transfer or resource id")
		}
		if e.ReplyTo == nil {
			return newError(ErrorTypeMalformedEnvelope, "streamed envelope %s without reply messenger", e.TransferID)
		}
		return nil
	case "":
		return newError(ErrorTypeMalformedEnvelope, "missing message type")
	default:
		return newError(ErrorTypeMalformedEnvelope, "unknown message type %q", e.Type)
	}
}

// FitsEmbedded reports whether message can travel inline.
func FitsEmbedded(message string, maxEmbedded int) bool {
	return len(message) <= maxEmbedded
}

// NewEmbeddedEnvelope builds an inline AASB message envelope.
func NewEmbeddedEnvelope(message, topic, action string) *Envelope {
	return &Envelope{
		Action:   AASBPrefix + action,
		Category: AASBPrefix + topic,
		Type:     MessageTypeEmbedded,
		Message:  message,
	}
}

// NewStreamedEnvelope builds the handle envelope of a streamed transfer.
func NewStreamedEnvelope(transferID, resourceID, topic, action string, replyTo Messenger) *Envelope {
	return &Envelope{
		Action:     AASBPrefix + action,
		Category:   AASBPrefix + topic,
		Type:       MessageTypeStreamed,
		TransferID: transferID,
		ResourceID: resourceID,
		ReplyTo:    replyTo,
	}
}

// NewAck builds the completion acknowledgement a receiver posts after
// reading a streamed transfer.
func NewAck(transferID, resourceID string, ok bool) *Envelope {
	state := AckFailure
	if ok {
		state = AckSuccess
	}
	return &Envelope{
		TransferID: transferID,
		ResourceID: resourceID,
		State:      state,
	}
}

// EncodeMessage validates an outgoing message and picks its path. Messages
// that fit come back as complete embedded envelopes; larger ones come back
// as streamed envelopes without ids, for the negotiator to fill in.
func EncodeMessage(message, topic, action string, maxEmbedded int) (*Envelope, error) {
	if err := checkArgs(message, topic, action); err != nil {
		return nil, err
	}
	if FitsEmbedded(message, maxEmbedded) {
		return NewEmbeddedEnvelope(message, topic, action), nil
	}
	return &Envelope{
		Action:   AASBPrefix + action,
		Category: AASBPrefix + topic,
		Type:     MessageTypeStreamed,
	}, nil
}

func checkArgs(message, topic, action string) error {
	if message == "" {
		return newError(ErrorTypeInvalidArgument, "message is empty")
	}
	if topic == "" {
		return newError(ErrorTypeInvalidArgument, "topic is empty")
	}
	if action == "" {
		return newError(ErrorTypeInvalidArgument, "action is empty")
	}
	if !utf8.ValidString(message) {
		return newError(ErrorTypeEncoding, "message is not valid UTF-8")
	}
	return nil
}
