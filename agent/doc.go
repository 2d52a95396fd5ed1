// Package agent defines the core types of the agentbus runtime: agent
// identities, topics, messages, envelopes, subscriptions, and the Runtime
// interface through which agents and application code exchange messages.
//
// Agents are units of business logic addressed by an AgentID (a registered
// type name plus an instance key). They are reachable only through a
// Runtime, which offers two delivery primitives:
//
//   - Send: point-to-point delivery to one AgentID with an awaited response.
//   - Publish: topic-scoped fan-out with no collected return value.
//
// Agents declare the message types they understand through a capability
// table (see Handlers); the runtime dispatches on the message type tag and
// never reflects over agent implementations. Agent instances are created
// lazily by a registered factory on first delivery and live until the
// runtime is closed.
package agent
