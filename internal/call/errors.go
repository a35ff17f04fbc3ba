package call

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start when the session left Idle.
	ErrAlreadyStarted = errors.New("call: session already started")

	// ErrSessionClosed is returned by Start on a stopped session. A new call
	// takes a new Session; Closed is terminal.
	ErrSessionClosed = errors.New("call: session closed")
)

// ProtocolError records a signaling message that arrived in a state where it
// must not be applied: an answer without a matching offer, an offer from the
// side not entitled to originate one, a malformed payload. Protocol errors
// are logged and the message discarded; they never take the session down.
type ProtocolError struct {
	MsgType string
	State   string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call: %s rejected in state %s: %s", e.MsgType, e.State, e.Reason)
}
