package runtime

import (
	"errors"
	"fmt"

	"github.com/agentbus-dev/agentbus/agent"
	"github.com/agentbus-dev/agentbus/proto"
)

// Conversions between the in-process types and the relay wire schema.

func toWireMessage(m *agent.Message) *proto.Message {
	if m == nil {
		return nil
	}
	return &proto.Message{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
	}
}

func fromWireMessage(m *proto.Message) *agent.Message {
	if m == nil {
		return nil
	}
	return &agent.Message{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
	}
}

func toWireAgentID(id agent.AgentID) proto.AgentID {
	return proto.AgentID{Type: id.Type, Key: id.Key}
}

func fromWireAgentID(id proto.AgentID) agent.AgentID {
	return agent.AgentID{Type: id.Type, Key: id.Key}
}

func toWireTopic(t agent.TopicID) proto.TopicID {
	return proto.TopicID{Type: t.Type, Source: t.Source}
}

func fromWireTopic(t proto.TopicID) agent.TopicID {
	return agent.TopicID{Type: t.Type, Source: t.Source}
}

func toWireSubscription(s agent.Subscription) proto.Subscription {
	return proto.Subscription{TopicType: s.TopicType, Source: s.Source}
}

func fromWireSubscription(s proto.Subscription) agent.Subscription {
	return agent.Subscription{TopicType: s.TopicType, Source: s.Source}
}

// errorKind classifies an error for transport so the far side can
// reconstruct a matching sentinel.
func errorKind(err error) string {
	switch {
	case err == nil:
		return proto.ErrorKindNone
	case errors.Is(err, agent.ErrUnknownAgentType):
		return proto.ErrorKindUnknownAgentType
	case errors.Is(err, agent.ErrUnhandledMessageType):
		return proto.ErrorKindUnhandledType
	case errors.Is(err, agent.ErrWorkerUnavailable):
		return proto.ErrorKindWorkerUnavailable
	case errors.Is(err, agent.ErrRuntimeClosed):
		return proto.ErrorKindRuntimeClosed
	default:
		var herr *agent.HandlerError
		if errors.As(err, &herr) {
			return proto.ErrorKindHandlerError
		}
		return proto.ErrorKindInternal
	}
}

// errorFromWire rebuilds an error from its transported kind so callers can
// match with errors.Is across the process boundary.
func errorFromWire(kind, msg string) error {
	switch kind {
	case proto.ErrorKindNone:
		return nil
	case proto.ErrorKindUnknownAgentType:
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, msg)
	case proto.ErrorKindUnhandledType:
		return fmt.Errorf("%w: %s", agent.ErrUnhandledMessageType, msg)
	case proto.ErrorKindWorkerUnavailable:
		return fmt.Errorf("%w: %s", agent.ErrWorkerUnavailable, msg)
	case proto.ErrorKindRuntimeClosed:
		return fmt.Errorf("%w: %s", agent.ErrRuntimeClosed, msg)
	case proto.ErrorKindHandlerError:
		return fmt.Errorf("remote handler: %s", msg)
	default:
		return fmt.Errorf("remote error: %s", msg)
	}
}
