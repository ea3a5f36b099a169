package ipc

import (
	"fmt"
	"strings"
)

// DestinationType selects how an envelope is handed to its target.
type DestinationType int

const (
	// DestinationActivity is a foreground target; delivery brings it forward.
	DestinationActivity DestinationType = iota
	// DestinationService is a background target.
	DestinationService
	// DestinationReceiver is a fire-and-forget target.
	DestinationReceiver
)

func (t DestinationType) String() string {
	switch t {
	case DestinationActivity:
		return "ACTIVITY"
	case DestinationService:
		return "SERVICE"
	case DestinationReceiver:
		return "RECEIVER"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// ParseDestinationType accepts the names used in configuration files.
func ParseDestinationType(s string) (DestinationType, error) {
	switch strings.ToUpper(s) {
	case "ACTIVITY":
		return DestinationActivity, nil
	case "SERVICE":
		return DestinationService, nil
	case "RECEIVER":
		return DestinationReceiver, nil
	default:
		return 0, newError(ErrorTypeInvalidArgument, "unknown destination type %q", s)
	}
}

// Destination names a target component in some process.
type Destination struct {
	Type    DestinationType
	Package string
	Class   string
}

// NewDestination builds a Destination; a class starting with "." is
// relative to the package.
func NewDestination(t DestinationType, pkg, class string) Destination {
	if strings.HasPrefix(class, ".") {
		class = pkg + class
	}
	return Destination{Type: t, Package: pkg, Class: class}
}

// Name is the routing key of the destination.
func (d Destination) Name() string {
	return d.Package + "/" + d.Class
}

func (d Destination) String() string {
	return fmt.Sprintf("%s(%s)", d.Type, d.Name())
}

// Transport delivers envelopes to destinations. Implementations must not
// block on the destination's processing of the envelope.
type Transport interface {
	Deliver(dest Destination, env *Envelope) error
}

// InlineLimiter is implemented by transports that cap the size of a message
// carried inside an envelope. A Sender streams anything larger.
type InlineLimiter interface {
	// MaxInlineBytes returns the largest inline message for dest, or false
	// when the transport imposes no cap of its own.
	MaxInlineBytes(dest Destination) (int, bool)
}

// Messenger is a reply address carried by an envelope. Posting to it
// reaches the component that created it, in whichever process it lives.
type Messenger interface {
	Post(env *Envelope) error
}

// MessengerFunc adapts a function to Messenger.
type MessengerFunc func(env *Envelope) error

// Post calls f(env).
func (f MessengerFunc) Post(env *Envelope) error {
	return f(env)
}
