// Package agentbus is a message-routing and lifecycle substrate for agent
// applications. Agents are addressed by (type, key) identity, instantiated
// lazily on first delivery, and exchange typed messages either
// point-to-point with a response or by publishing to topics. The same
// handler code runs in a single process or across a host/worker cluster.
//
// Basic usage:
//
//	rt := agentbus.NewRuntime()
//	rt.RegisterAgentType("echo", func(id agentbus.AgentID, r agentbus.Runtime) (agentbus.Agent, error) {
//		a := agentbus.NewBaseAgent(id, "echoes every request")
//		a.RegisterHandler("echo_request", func(ctx context.Context, msg *agentbus.Message, mctx agentbus.MessageContext) (*agentbus.Message, error) {
//			return agentbus.NewMessage("echo_reply", msg.Payload), nil
//		})
//		return a, nil
//	})
//	rt.Start()
//	reply, err := rt.Send(ctx, agentbus.NewMessage("echo_request", "hi"), agentbus.NewAgentID("echo", "default"))
package agentbus

import (
	"context"

	"github.com/agentbus-dev/agentbus/agent"
	"github.com/agentbus-dev/agentbus/internal/runtime"
)

// Core types, re-exported so most programs only import agentbus.
type (
	Agent          = agent.Agent
	AgentID        = agent.AgentID
	BaseAgent      = agent.BaseAgent
	FactoryFunc    = agent.FactoryFunc
	HandlerError   = agent.HandlerError
	HandlerFunc    = agent.HandlerFunc
	Message        = agent.Message
	MessageContext = agent.MessageContext
	Runtime        = agent.Runtime
	Subscription   = agent.Subscription
	TopicID        = agent.TopicID
)

// Sentinel errors, re-exported.
var (
	ErrDuplicateRegistration = agent.ErrDuplicateRegistration
	ErrUnknownAgentType      = agent.ErrUnknownAgentType
	ErrUnhandledMessageType  = agent.ErrUnhandledMessageType
	ErrWorkerUnavailable     = agent.ErrWorkerUnavailable
	ErrRuntimeClosed         = agent.ErrRuntimeClosed
)

// Constructors, re-exported.
var (
	NewAgentID          = agent.NewAgentID
	NewBaseAgent        = agent.NewBaseAgent
	NewMessage          = agent.NewMessage
	NewTopicID          = agent.NewTopicID
	DefaultTopic        = agent.DefaultTopic
	TypeSubscription    = agent.TypeSubscription
	ExactSubscription   = agent.ExactSubscription
	DefaultSubscription = agent.DefaultSubscription
)

// Option configures a runtime.
type Option = runtime.Option

// Runtime options.
var (
	WithMailboxSize           = runtime.WithMailboxSize
	WithFailureBufferSize     = runtime.WithFailureBufferSize
	WithMaxConcurrentHandlers = runtime.WithMaxConcurrentHandlers
	WithMetrics               = runtime.WithMetrics
	WithCloseTimeout          = runtime.WithCloseTimeout
)

// LocalRuntime is a single-process runtime with access to the
// publish-failure channel.
type LocalRuntime interface {
	Runtime

	// Failures reports isolated publish-side handler failures. The channel
	// is never closed; failures are dropped when no consumer keeps up.
	Failures() <-chan *HandlerError
}

// NewRuntime creates a single-process runtime. The runtime starts in the
// stopped state: submissions queue until Start.
func NewRuntime(opts ...Option) LocalRuntime {
	return runtime.NewLocalRuntime(opts...)
}

// WorkerRuntime is a runtime that can join a relay host. Until Connect it
// behaves exactly like a local runtime.
type WorkerRuntime interface {
	Runtime

	// ID returns the worker's unique identifier.
	ID() string

	// Connect dials the host and advertises this worker's agent types and
	// subscriptions.
	Connect(ctx context.Context, addr string) error

	// Disconnect detaches from the host. In-flight remote sends fail with
	// ErrWorkerUnavailable; local delivery continues.
	Disconnect() error

	// Failures reports isolated publish-side handler failures.
	Failures() <-chan *HandlerError
}

// NewWorkerRuntime creates a worker runtime.
func NewWorkerRuntime(opts ...Option) WorkerRuntime {
	return runtime.NewWorker(opts...)
}

// HostOption configures a relay host.
type HostOption = runtime.HostOption

// Host options.
var (
	WithWorkerRateLimit = runtime.WithWorkerRateLimit
	WithHostMetrics     = runtime.WithHostMetrics
)

// HostServer is the relay standing between workers.
type HostServer interface {
	// Start begins listening for worker connections. Non-blocking.
	Start() error

	// Addr returns the address the relay is listening on.
	Addr() string

	// Workers returns the IDs of currently connected workers.
	Workers() []string

	// Close disconnects all workers and stops the relay.
	Close() error
}

// NewHost creates a relay host listening on addr (":0" picks a free port).
func NewHost(addr string, opts ...HostOption) HostServer {
	return runtime.NewHost(addr, opts...)
}
