package agent

import "fmt"

const (
	// DefaultTopicType is the well-known topic type used when agents are not
	// explicitly topic-scoped.
	DefaultTopicType = "default"

	// DefaultTopicSource is the source assigned to the default topic and to
	// agent keys when no explicit key is given.
	DefaultTopicSource = "default"
)

// AgentID uniquely addresses one logical agent instance: a registered agent
// type name plus an instance key. Two IDs are equal iff both fields match.
type AgentID struct {
	// Type is the registered agent type name.
	Type string
	// Key distinguishes instances of the same type.
	Key string
}

// NewAgentID returns the AgentID for the given type and key.
func NewAgentID(agentType, key string) AgentID {
	return AgentID{Type: agentType, Key: key}
}

// IsZero reports whether the ID is the zero value (no identity).
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Key == ""
}

// String renders the ID as "type/key".
func (id AgentID) String() string {
	return fmt.Sprintf("%s/%s", id.Type, id.Key)
}

// TopicID identifies a broadcast channel: a topic type plus the source that
// scopes it. Instances of subscribed agent types are keyed by the source.
type TopicID struct {
	// Type is the topic type name.
	Type string
	// Source scopes the topic, typically to a conversation or tenant.
	Source string
}

// NewTopicID returns the TopicID for the given type and source.
func NewTopicID(topicType, source string) TopicID {
	return TopicID{Type: topicType, Source: source}
}

// DefaultTopic returns the well-known default topic.
func DefaultTopic() TopicID {
	return TopicID{Type: DefaultTopicType, Source: DefaultTopicSource}
}

// IsZero reports whether the topic is the zero value (no topic).
func (t TopicID) IsZero() bool {
	return t.Type == "" && t.Source == ""
}

// String renders the topic as "type/source".
func (t TopicID) String() string {
	return fmt.Sprintf("%s/%s", t.Type, t.Source)
}
