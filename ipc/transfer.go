package ipc

import (
	"fmt"
	"io"
	"sync"
)

// TransferState is the negotiation state of one streamed transfer.
type TransferState int

const (
	TransferCreated TransferState = iota
	TransferHandleSent
	TransferReading
	TransferWriting
	TransferAckPending
	TransferCompleted
	TransferCancelled
)

func (s TransferState) String() string {
	switch s {
	case TransferCreated:
		return "CREATED"
	case TransferHandleSent:
		return "HANDLE_SENT"
	case TransferReading:
		return "READING"
	case TransferWriting:
		return "WRITING"
	case TransferAckPending:
		return "ACK_PENDING"
	case TransferCompleted:
		return "COMPLETED"
	case TransferCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == TransferCompleted || s == TransferCancelled
}

// transferTransitions lists the legal successor states. CANCELLED is
// reachable from every non-terminal state.
var transferTransitions = map[TransferState][]TransferState{
	TransferCreated:    {TransferHandleSent, TransferCancelled},
	TransferHandleSent: {TransferReading, TransferWriting, TransferCancelled},
	TransferReading:    {TransferAckPending, TransferCancelled},
	TransferWriting:    {TransferAckPending, TransferCancelled},
	TransferAckPending: {TransferCompleted, TransferCancelled},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to TransferState) bool {
	for _, next := range transferTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transfer is the handle of one streamed payload: ids plus the channel
// end currently owned by the transfer. It is discarded once terminal.
type Transfer struct {
	TransferID string
	ResourceID string
	Topic      string
	Action     string
	Dest       Destination

	payload []byte
	result  *Result

	mu      sync.Mutex
	state   TransferState
	channel io.Closer
}

func newTransfer(transferID, resourceID string, dest Destination, payload []byte) *Transfer {
	return &Transfer{
		TransferID: transferID,
		ResourceID: resourceID,
		Dest:       dest,
		payload:    payload,
		result:     newResult(),
		state:      TransferCreated,
	}
}

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the transfer's delivery result.
func (t *Transfer) Result() *Result {
	return t.result
}

// advance moves the transfer to next, failing on illegal transitions.
func (t *Transfer) advance(next TransferState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, next) {
		return newError(ErrorTypeProtocol, "transfer %s: illegal transition %s -> %s", t.TransferID, t.state, next)
	}
	t.state = next
	return nil
}

// attach records the channel end the transfer owns, so cancellation can
// release it.
func (t *Transfer) attach(c io.Closer) {
	t.mu.Lock()
	t.channel = c
	t.mu.Unlock()
}

// complete moves ACK_PENDING -> COMPLETED and resolves the result to true.
func (t *Transfer) complete() error {
	if err := t.advance(TransferCompleted); err != nil {
		return err
	}
	t.mu.Lock()
	t.channel = nil
	t.mu.Unlock()
	t.result.resolve(true, nil)
	return nil
}

// cancel moves any non-terminal transfer to CANCELLED, closes its channel
// with cause and resolves the result to failure. Returns false if the
// transfer had already finished.
func (t *Transfer) cancel(cause error) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = TransferCancelled
	channel := t.channel
	t.channel = nil
	t.mu.Unlock()

	if channel != nil {
		closeWithError(channel, cause)
	}
	t.result.resolve(false, cause)
	return true
}

// closeWithError closes c, propagating cause to the other end when the
// channel supports it.
func closeWithError(c io.Closer, cause error) {
	type errorCloser interface {
		CloseWithError(err error) error
	}
	if ec, ok := c.(errorCloser); ok && cause != nil {
		_ = ec.CloseWithError(cause)
		return
	}
	_ = c.Close()
}
