package runtime

import (
	"sync"

	"github.com/agentbus-dev/agentbus/agent"
)

// subscriptionRule binds one routing rule to an agent type.
type subscriptionRule struct {
	sub       agent.Subscription
	agentType string
}

// subscriptionTable holds the standing routing rules. It is read-mostly
// after startup: resolution takes a read lock over an immutable-once-added
// rule slice, so concurrent subscribe calls are never observed as torn
// reads.
type subscriptionTable struct {
	mu    sync.RWMutex
	rules []subscriptionRule
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{}
}

// add registers a rule. Adding the same (rule, agentType) pair twice is
// idempotent, guaranteeing no duplicate delivery.
func (t *subscriptionTable) add(sub agent.Subscription, agentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.rules {
		if r.sub == sub && r.agentType == agentType {
			return
		}
	}
	t.rules = append(t.rules, subscriptionRule{sub: sub, agentType: agentType})
}

// subscribers returns every agent type with at least one rule matching the
// topic, deduplicated, in no particular order.
func (t *subscriptionTable) subscribers(topic agent.TopicID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	var types []string
	for _, r := range t.rules {
		if !r.sub.Matches(topic) {
			continue
		}
		if _, dup := seen[r.agentType]; dup {
			continue
		}
		seen[r.agentType] = struct{}{}
		types = append(types, r.agentType)
	}
	return types
}

// matchesAny reports whether any rule for the topic exists, regardless of
// agent type. The host uses this to decide event fan-out per worker.
func (t *subscriptionTable) matchesAny(topic agent.TopicID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if r.sub.Matches(topic) {
			return true
		}
	}
	return false
}

// all returns a snapshot of every rule.
func (t *subscriptionTable) all() []subscriptionRule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]subscriptionRule, len(t.rules))
	copy(out, t.rules)
	return out
}
