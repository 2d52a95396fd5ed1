// Package runtime implements the agentbus delivery engine: a local
// single-process runtime and the distributed host/worker pair that relays
// envelopes between processes over gRPC.
package runtime

import "time"

// State is the lifecycle state of a runtime.
type State int32

const (
	// StateStopped means no envelopes are being dequeued. Submissions are
	// accepted and queued.
	StateStopped State = iota
	// StateRunning means the engine is actively dequeuing and dispatching.
	StateRunning
	// StateDraining means the engine keeps dispatching but a StopWhenIdle
	// caller is waiting for the pending count to reach zero.
	StateDraining
	// StateClosed is terminal; all operations fail.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config contains tuning options shared by the local and worker runtimes.
type Config struct {
	// MailboxSize sets the buffer size for per-agent mailboxes.
	// Default: 100
	MailboxSize int

	// FailureBufferSize sets the capacity of the publish-failure channel.
	// Default: 64
	FailureBufferSize int

	// MaxConcurrentHandlers caps how many handlers run at once across all
	// mailboxes. Zero means unlimited.
	// Default: 0
	MaxConcurrentHandlers int

	// EnableMetrics enables Prometheus metrics collection.
	// Default: true
	EnableMetrics bool

	// CloseTimeout bounds how long Close waits for in-flight handlers.
	// Default: 10s
	CloseTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MailboxSize:       100,
		FailureBufferSize: 64,
		EnableMetrics:     true,
		CloseTimeout:      10 * time.Second,
	}
}

// Option is a functional option for configuring a runtime.
type Option func(*Config)

// WithMailboxSize sets the per-agent mailbox buffer size.
func WithMailboxSize(size int) Option {
	return func(cfg *Config) {
		cfg.MailboxSize = size
	}
}

// WithFailureBufferSize sets the publish-failure channel capacity.
func WithFailureBufferSize(size int) Option {
	return func(cfg *Config) {
		cfg.FailureBufferSize = size
	}
}

// WithMaxConcurrentHandlers caps how many handlers run at once across all
// mailboxes. Zero means unlimited. A handler that sends to another local
// agent and waits for the reply holds its slot for the duration, so the cap
// must exceed the longest such chain.
func WithMaxConcurrentHandlers(n int) Option {
	return func(cfg *Config) {
		cfg.MaxConcurrentHandlers = n
	}
}

// WithMetrics enables or disables metrics collection.
func WithMetrics(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableMetrics = enabled
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight handlers.
func WithCloseTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.CloseTimeout = d
	}
}
