package agent

// Subscription is a standing rule routing a topic to an agent type. A rule
// either matches one exact (type, source) pair or, when Source is empty,
// any source for the given topic type.
type Subscription struct {
	// TopicType is the topic type this rule matches. Required.
	TopicType string

	// Source restricts the rule to one topic source. Empty matches any
	// source (wildcard-by-type).
	Source string
}

// TypeSubscription returns a wildcard rule matching every source of the
// given topic type.
func TypeSubscription(topicType string) Subscription {
	return Subscription{TopicType: topicType}
}

// ExactSubscription returns a rule matching exactly one (type, source) pair.
func ExactSubscription(topicType, source string) Subscription {
	return Subscription{TopicType: topicType, Source: source}
}

// DefaultSubscription returns the wildcard rule for the well-known default
// topic type. It is bound automatically when an agent type is registered
// without explicit subscriptions.
func DefaultSubscription() Subscription {
	return TypeSubscription(DefaultTopicType)
}

// Matches reports whether the rule matches the given topic.
func (s Subscription) Matches(topic TopicID) bool {
	if s.TopicType != topic.Type {
		return false
	}
	return s.Source == "" || s.Source == topic.Source
}
