package agent

import "context"

// HandlerFunc processes one delivered message. For Send deliveries the
// returned message is relayed to the caller; for Publish deliveries it is
// discarded. Handlers cooperatively honor ctx cancellation during
// long-running work; the runtime never preemptively interrupts them.
type HandlerFunc func(ctx context.Context, msg *Message, mctx MessageContext) (*Message, error)

// Agent is a unit of business logic hosted by a runtime. Implementations
// expose a capability table mapping message type tags to handlers; the
// runtime dispatches on the tag and treats the agent as opaque otherwise.
type Agent interface {
	// Description returns static descriptive metadata about the agent.
	Description() string

	// Handlers returns the capability table. The returned map must be
	// stable after construction; the runtime reads it on every dispatch.
	Handlers() map[string]HandlerFunc
}

// Closer is an optional interface for agents that hold resources. Close is
// invoked once when the runtime is closed.
type Closer interface {
	Close(ctx context.Context) error
}

// FactoryFunc constructs an agent instance for the given identity. The
// runtime invokes it exactly once per AgentID, on first delivery. The
// provided Runtime is the one the instance should use for nested sends and
// publishes from its handlers.
type FactoryFunc func(id AgentID, rt Runtime) (Agent, error)

// BaseAgent provides the common capability-table plumbing for agent
// implementations: embed it, then register one handler per message type at
// construction.
type BaseAgent struct {
	id          AgentID
	description string
	handlers    map[string]HandlerFunc
}

// NewBaseAgent creates the embeddable base for an agent implementation.
func NewBaseAgent(id AgentID, description string) *BaseAgent {
	return &BaseAgent{
		id:          id,
		description: description,
		handlers:    make(map[string]HandlerFunc),
	}
}

// ID returns the identity this instance was created for.
func (a *BaseAgent) ID() AgentID { return a.id }

// Description returns the static metadata supplied at construction.
func (a *BaseAgent) Description() string { return a.description }

// Handlers returns the capability table.
func (a *BaseAgent) Handlers() map[string]HandlerFunc { return a.handlers }

// RegisterHandler binds a handler to a message type tag. Call during
// construction only; the table is not synchronized for later mutation.
func (a *BaseAgent) RegisterHandler(msgType string, h HandlerFunc) {
	a.handlers[msgType] = h
}
