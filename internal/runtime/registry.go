package runtime

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentbus-dev/agentbus/agent"
)

// registry maps agent type names to factories and owns the live instances.
// Instantiation is lazy: the factory for an identity runs exactly once, on
// first delivery, serialized per identity with a single-flight group so that
// concurrent first-touch from multiple goroutines observes one instance.
type registry struct {
	mu        sync.RWMutex
	factories map[string]agent.FactoryFunc
	instances map[agent.AgentID]agent.Agent
	closed    bool

	group singleflight.Group

	// rt is handed to factories so agent handlers send and publish through
	// the runtime that owns them (the worker facade in distributed mode).
	rt agent.Runtime
}

func newRegistry(rt agent.Runtime) *registry {
	return &registry{
		factories: make(map[string]agent.FactoryFunc),
		instances: make(map[agent.AgentID]agent.Agent),
		rt:        rt,
	}
}

// bind replaces the runtime handed to factories. Must be called before any
// registration; the worker runtime uses it to interpose itself.
func (r *registry) bind(rt agent.Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rt = rt
}

func (r *registry) registerType(name string, factory agent.FactoryFunc) error {
	if name == "" {
		return fmt.Errorf("agent type name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for agent type %s must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", agent.ErrDuplicateRegistration, name)
	}
	r.factories[name] = factory
	return nil
}

func (r *registry) hasType(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// types returns all registered agent type names.
func (r *registry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// resolve returns the live instance for id, creating it on first touch.
// Distinct identities are created fully in parallel; the same identity is
// created at most once.
func (r *registry) resolve(id agent.AgentID) (agent.Agent, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, agent.ErrRuntimeClosed
	}
	a, ok := r.instances[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	v, err, _ := r.group.Do(id.String(), func() (any, error) {
		r.mu.RLock()
		closed := r.closed
		a, ok := r.instances[id]
		factory, hasFactory := r.factories[id.Type]
		rt := r.rt
		r.mu.RUnlock()

		if closed {
			return nil, agent.ErrRuntimeClosed
		}
		if ok {
			return a, nil
		}
		if !hasFactory {
			return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, id.Type)
		}

		created, err := factory(id, rt)
		if err != nil {
			return nil, fmt.Errorf("factory for %s: %w", id, err)
		}

		r.mu.Lock()
		// The runtime may have closed while the factory ran; refusing to
		// store keeps closeAll the last owner of every instance.
		if r.closed {
			r.mu.Unlock()
			if closer, ok := created.(agent.Closer); ok {
				_ = closer.Close(context.Background())
			}
			return nil, agent.ErrRuntimeClosed
		}
		r.instances[id] = created
		r.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(agent.Agent), nil
}

// closeAll closes every instance implementing agent.Closer and drops the
// instance map. Terminal: resolve fails with ErrRuntimeClosed afterwards,
// so no factory can run or store an instance behind the closing runtime.
// Called once, from Close.
func (r *registry) closeAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	instances := make([]agent.Agent, 0, len(r.instances))
	for _, a := range r.instances {
		instances = append(instances, a)
	}
	r.instances = make(map[agent.AgentID]agent.Agent)
	r.mu.Unlock()

	for _, a := range instances {
		if closer, ok := a.(agent.Closer); ok {
			_ = closer.Close(ctx)
		}
	}
}
