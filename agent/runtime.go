package agent

import "context"

// Runtime provides message routing and lifecycle management for agents.
// It decouples agent business logic from delivery: handlers call Send and
// Publish with identical signatures whether the recipient lives in-process
// or in a remote worker.
type Runtime interface {
	// RegisterAgentType binds a unique type name to a factory. When no
	// subscriptions are given, the default subscription (wildcard on the
	// default topic type) is bound automatically.
	// Returns ErrDuplicateRegistration if the name is already bound.
	RegisterAgentType(name string, factory FactoryFunc, subs ...Subscription) error

	// Subscribe adds a routing rule for an already registered agent type.
	// Subscribing the same (rule, type) pair twice is a no-op.
	// Returns ErrUnknownAgentType if the type is not registered.
	Subscribe(agentType string, sub Subscription) error

	// Metadata returns the static description of the agent instance for id,
	// instantiating it if necessary.
	Metadata(id AgentID) (string, error)

	// Send delivers a message to one agent and waits for its response.
	// The recipient is instantiated on demand. A handler failure surfaces
	// to the caller as a *HandlerError.
	// Fails with ErrUnknownAgentType, ErrUnhandledMessageType,
	// ErrWorkerUnavailable, or ErrRuntimeClosed.
	Send(ctx context.Context, msg *Message, recipient AgentID) (*Message, error)

	// Publish delivers a message to every subscriber of the topic,
	// independently and concurrently. Handler results are discarded and
	// per-subscriber failures are isolated: they are reported on the
	// failure channel but never fail the publish or block siblings.
	// The publishing agent itself is skipped during fan-out.
	Publish(ctx context.Context, msg *Message, topic TopicID) error

	// Start begins dequeuing and dispatching envelopes. Idempotent while
	// running.
	Start() error

	// Stop halts dequeuing immediately. Handlers already dispatched run to
	// completion; queued envelopes remain queued until Start is called
	// again.
	Stop() error

	// StopWhenIdle blocks until the pending envelope count (queued plus
	// in-flight) reaches zero, then stops the runtime. A handler publishing
	// one more message before finishing extends the wait.
	StopWhenIdle(ctx context.Context) error

	// Close releases all agent instances and transport connections. It is
	// terminal: every subsequent operation fails with ErrRuntimeClosed.
	Close() error
}
