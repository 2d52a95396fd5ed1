package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRegistration is returned when an agent type name is
	// already bound to a factory.
	ErrDuplicateRegistration = errors.New("agent type already registered")

	// ErrUnknownAgentType is returned when no factory is registered for the
	// addressed agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrUnhandledMessageType is returned by Send when the resolved agent
	// has no handler for the message's type tag.
	ErrUnhandledMessageType = errors.New("unhandled message type")

	// ErrWorkerUnavailable is returned when a send depends on a worker whose
	// connection to the host has been lost.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrRuntimeClosed is returned by every operation after Close.
	ErrRuntimeClosed = errors.New("runtime closed")
)

// HandlerError wraps a failure raised inside an agent's handler. During a
// Send it surfaces to the caller; during a Publish fan-out it is reported on
// the runtime's failure channel without affecting sibling subscribers.
type HandlerError struct {
	// Agent is the identity whose handler failed.
	Agent AgentID
	// MessageType is the type tag of the message being handled.
	MessageType string
	// Err is the underlying handler error.
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failure: agent %s, message type %q: %v", e.Agent, e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
