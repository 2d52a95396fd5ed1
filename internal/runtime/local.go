package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentbus-dev/agentbus/agent"
	"github.com/agentbus-dev/agentbus/internal/observability"
	metrics "github.com/agentbus-dev/agentbus/pkg/observability"
)

// sendResult carries a handler response back to a Send caller.
type sendResult struct {
	msg *agent.Message
	err error
}

// delivery is one queued envelope plus its response path. respCh is nil for
// publish deliveries; for sends it is buffered so a departed caller never
// blocks the mailbox.
type delivery struct {
	ctx    context.Context
	env    *agent.Envelope
	respCh chan sendResult
}

// mailbox serializes deliveries to one agent instance. One goroutine drains
// it, giving per-recipient FIFO while distinct recipients dispatch in
// parallel.
type mailbox struct {
	ch chan *delivery
}

// LocalRuntime is the single-process delivery engine. It resolves
// recipients through a lazy registry, fans publishes out across the
// subscription table, and serializes deliveries per recipient.
//
// LocalRuntime is thread-safe and can be used concurrently.
type LocalRuntime struct {
	cfg *Config

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	pending int

	registry  *registry
	subs      *subscriptionTable
	mailboxes map[agent.AgentID]*mailbox

	failures  chan *agent.HandlerError
	sem       chan struct{} // nil unless MaxConcurrentHandlers > 0
	closedCh  chan struct{}
	enqueueWG sync.WaitGroup // in-flight enqueue attempts, drained before mailboxes close
	wg        sync.WaitGroup // mailbox goroutines
}

// NewLocalRuntime creates a new LocalRuntime with the given options. The
// runtime starts in the stopped state; submissions are queued until Start.
func NewLocalRuntime(opts ...Option) *LocalRuntime {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	r := &LocalRuntime{
		cfg:       cfg,
		state:     StateStopped,
		subs:      newSubscriptionTable(),
		mailboxes: make(map[agent.AgentID]*mailbox),
		failures:  make(chan *agent.HandlerError, cfg.FailureBufferSize),
		closedCh:  make(chan struct{}),
	}
	if cfg.MaxConcurrentHandlers > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrentHandlers)
	}
	r.cond = sync.NewCond(&r.mu)
	r.registry = newRegistry(r)
	return r
}

// bindRuntime replaces the runtime handed to agent factories. The worker
// runtime interposes itself so handler sends and publishes route through
// the transport when the target is remote. Must be called before any
// registration.
func (r *LocalRuntime) bindRuntime(rt agent.Runtime) {
	r.registry.bind(rt)
}

// RegisterAgentType binds a type name to a factory. With no explicit
// subscriptions the default subscription is bound, so instances of the type
// receive everything published on the default topic type.
func (r *LocalRuntime) RegisterAgentType(name string, factory agent.FactoryFunc, subs ...agent.Subscription) error {
	if r.isClosed() {
		return agent.ErrRuntimeClosed
	}
	if err := r.registry.registerType(name, factory); err != nil {
		return err
	}
	if len(subs) == 0 {
		subs = []agent.Subscription{agent.DefaultSubscription()}
	}
	for _, sub := range subs {
		r.subs.add(sub, name)
	}
	return nil
}

// Subscribe adds a routing rule for an already registered agent type.
func (r *LocalRuntime) Subscribe(agentType string, sub agent.Subscription) error {
	if r.isClosed() {
		return agent.ErrRuntimeClosed
	}
	if !r.registry.hasType(agentType) {
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, agentType)
	}
	r.subs.add(sub, agentType)
	return nil
}

// HasType reports whether a factory is registered for the agent type name.
func (r *LocalRuntime) HasType(name string) bool {
	return r.registry.hasType(name)
}

// Types returns all registered agent type names.
func (r *LocalRuntime) Types() []string {
	return r.registry.types()
}

// Subscriptions returns a snapshot of every (rule, agent type) pair.
func (r *LocalRuntime) Subscriptions() []agent.Subscription {
	rules := r.subs.all()
	out := make([]agent.Subscription, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.sub)
	}
	return out
}

// SubscribesTo reports whether any registered rule matches the topic.
func (r *LocalRuntime) SubscribesTo(topic agent.TopicID) bool {
	return r.subs.matchesAny(topic)
}

// Metadata returns the static description for id, instantiating on demand.
func (r *LocalRuntime) Metadata(id agent.AgentID) (string, error) {
	if r.isClosed() {
		return "", agent.ErrRuntimeClosed
	}
	a, err := r.registry.resolve(id)
	if err != nil {
		return "", err
	}
	return a.Description(), nil
}

// Send delivers one message to recipient and waits for the handler's
// response. Submission enqueues even while the runtime is stopped; the
// response arrives once the runtime runs the recipient's mailbox.
func (r *LocalRuntime) Send(ctx context.Context, msg *agent.Message, recipient agent.AgentID) (*agent.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message must not be nil")
	}
	if r.isClosed() {
		return nil, agent.ErrRuntimeClosed
	}

	env := agent.NewSendEnvelope(msg, senderFromContext(ctx), recipient)

	ctx, span := observability.StartSpan(ctx, "runtime.send",
		trace.WithAttributes(
			attribute.String("agent.id", recipient.String()),
			attribute.String("message.type", msg.Type),
		),
	)
	defer span.End()

	d := &delivery{ctx: ctx, env: env, respCh: make(chan sendResult, 1)}
	if err := r.submit(ctx, recipient, d); err != nil {
		span.RecordError(err)
		return nil, err
	}

	select {
	case res := <-d.respCh:
		if res.err != nil {
			span.RecordError(res.err)
		}
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish delivers one message to every subscriber of topic, one instance
// per matching agent type keyed by the topic source. Dispatch is concurrent
// across subscribers and failures are isolated: a failing handler is
// reported on the failure channel and does not affect siblings or the
// publish call. The publishing agent itself is skipped.
func (r *LocalRuntime) Publish(ctx context.Context, msg *agent.Message, topic agent.TopicID) error {
	if msg == nil {
		return fmt.Errorf("message must not be nil")
	}
	if r.isClosed() {
		return agent.ErrRuntimeClosed
	}

	sender := senderFromContext(ctx)
	env := agent.NewPublishEnvelope(msg, sender, topic)

	ctx, span := observability.StartSpan(ctx, "runtime.publish",
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.String("message.type", msg.Type),
		),
	)
	defer span.End()

	for _, agentType := range r.subs.subscribers(topic) {
		id := agent.NewAgentID(agentType, topic.Source)
		if id == sender {
			continue // no echo back to the publisher
		}

		d := &delivery{ctx: ctx, env: env}
		if err := r.submit(ctx, id, d); err != nil {
			// Resolution or enqueue failure for one subscriber must not
			// abort delivery to the others.
			log.Printf("[LocalRuntime] publish to %s failed: %v", id, err)
			r.reportFailure(&agent.HandlerError{Agent: id, MessageType: msg.Type, Err: err})
		}
	}
	return nil
}

// submit resolves the target, accounts the envelope as pending, and
// enqueues it on the target's mailbox. The pending count is incremented
// before the enqueue so an idle check can never miss a message a running
// handler just produced.
func (r *LocalRuntime) submit(ctx context.Context, id agent.AgentID, d *delivery) error {
	// Checked before resolve so a submission racing Close never runs the
	// factory; the registry refuses instantiation after closeAll regardless.
	if r.isClosed() {
		return agent.ErrRuntimeClosed
	}
	a, err := r.registry.resolve(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return agent.ErrRuntimeClosed
	}
	mb, ok := r.mailboxes[id]
	if !ok {
		mb = &mailbox{ch: make(chan *delivery, r.cfg.MailboxSize)}
		r.mailboxes[id] = mb
		r.wg.Add(1)
		go r.runMailbox(id, a, mb)
	}
	r.pending++
	r.enqueueWG.Add(1)
	r.updatePendingGauge()
	r.mu.Unlock()
	defer r.enqueueWG.Done()

	select {
	case mb.ch <- d:
		return nil
	case <-r.closedCh:
		r.decPending()
		return agent.ErrRuntimeClosed
	case <-ctx.Done():
		r.decPending()
		return ctx.Err()
	}
}

// runMailbox drains one agent's mailbox in FIFO order. Each delivery waits
// for the runtime to be running before it is dispatched; once the runtime
// closes, remaining deliveries fail with ErrRuntimeClosed.
func (r *LocalRuntime) runMailbox(id agent.AgentID, a agent.Agent, mb *mailbox) {
	defer r.wg.Done()

	for d := range mb.ch {
		if !r.gate() {
			r.respond(d, nil, agent.ErrRuntimeClosed)
			r.decPending()
			continue
		}
		r.dispatch(id, a, d)
	}
}

// gate blocks while the runtime is stopped and reports whether dispatch may
// proceed (false once closed).
func (r *LocalRuntime) gate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.state == StateStopped {
		r.cond.Wait()
	}
	return r.state != StateClosed
}

// dispatch invokes the handler for one delivery and routes the outcome.
func (r *LocalRuntime) dispatch(id agent.AgentID, a agent.Agent, d *delivery) {
	defer r.decPending()

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-r.closedCh:
			r.respond(d, nil, agent.ErrRuntimeClosed)
			return
		}
	}

	msg := d.env.Message()
	mctx := agent.MessageContext{
		Sender:    d.env.Sender(),
		Topic:     d.env.Topic(),
		IsRPC:     d.env.IsRPC(),
		MessageID: msg.ID,
	}

	handler, ok := a.Handlers()[msg.Type]
	if !ok {
		if d.env.IsRPC() {
			r.respond(d, nil, fmt.Errorf("%w: agent %s, message type %q", agent.ErrUnhandledMessageType, id, msg.Type))
		}
		// Publish deliveries to a subscriber without a handler for this
		// type tag are skipped: topic subscribers need not understand
		// every type published on the topic.
		return
	}

	ctx, span := observability.StartSpan(withSenderContext(d.ctx, id), fmt.Sprintf("runtime.dispatch.%s", id.Type),
		trace.WithAttributes(
			attribute.String("agent.id", id.String()),
			attribute.String("message.type", msg.Type),
			attribute.Bool("rpc", d.env.IsRPC()),
		),
	)
	defer span.End()

	startTime := time.Now()
	resp, err := r.invoke(ctx, handler, msg, mctx)
	duration := time.Since(startTime)

	if r.cfg.EnableMetrics {
		kind := "publish"
		if d.env.IsRPC() {
			kind = "send"
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordDelivery(id.Type, kind, status)
		metrics.ObserveHandlerDuration(id.Type, duration)
	}

	if err != nil {
		span.RecordError(err)
		herr := &agent.HandlerError{Agent: id, MessageType: msg.Type, Err: err}
		if d.env.IsRPC() {
			r.respond(d, nil, herr)
			return
		}
		log.Printf("[LocalRuntime] %v", herr)
		r.reportFailure(herr)
		return
	}

	r.respond(d, resp, nil)
}

// invoke runs the handler, converting a panic into an error so one
// misbehaving agent cannot take down the engine.
func (r *LocalRuntime) invoke(ctx context.Context, handler agent.HandlerFunc, msg *agent.Message, mctx agent.MessageContext) (resp *agent.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, msg, mctx)
}

func (r *LocalRuntime) respond(d *delivery, msg *agent.Message, err error) {
	if d.respCh != nil {
		d.respCh <- sendResult{msg: msg, err: err}
	}
}

// reportFailure surfaces an isolated publish failure on the failure
// channel, dropping when no consumer keeps up.
func (r *LocalRuntime) reportFailure(herr *agent.HandlerError) {
	if r.cfg.EnableMetrics {
		metrics.RecordHandlerFailure(herr.Agent.Type, herr.MessageType)
	}
	select {
	case r.failures <- herr:
	default:
	}
}

// Failures returns the channel on which isolated publish-side handler
// failures are reported. The channel is never closed.
func (r *LocalRuntime) Failures() <-chan *agent.HandlerError {
	return r.failures
}

// Start begins dequeuing and dispatching. Idempotent while running.
func (r *LocalRuntime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return agent.ErrRuntimeClosed
	case StateRunning, StateDraining:
		return nil
	default:
		r.state = StateRunning
		r.cond.Broadcast()
		return nil
	}
}

// Stop halts dequeuing immediately. Handlers already dispatched run to
// completion; queued envelopes stay queued until the next Start.
func (r *LocalRuntime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return agent.ErrRuntimeClosed
	case StateStopped:
		return nil
	default:
		r.state = StateStopped
		r.cond.Broadcast()
		return nil
	}
}

// StopWhenIdle blocks until the pending envelope count reaches zero, then
// stops the runtime. The idle predicate is evaluated under the same lock
// that guards the pending count, so a handler publishing one more message
// before finishing always extends the wait.
func (r *LocalRuntime) StopWhenIdle(ctx context.Context) error {
	cancelWake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer cancelWake()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return agent.ErrRuntimeClosed
	case StateStopped:
		return nil
	case StateRunning:
		r.state = StateDraining
	}

	for r.pending > 0 && r.state == StateDraining && ctx.Err() == nil {
		r.cond.Wait()
	}

	switch {
	case r.state == StateClosed:
		return agent.ErrRuntimeClosed
	case ctx.Err() != nil && r.pending > 0:
		if r.state == StateDraining {
			r.state = StateRunning
		}
		return ctx.Err()
	default:
		if r.state == StateDraining {
			r.state = StateStopped
			r.cond.Broadcast()
		}
		return nil
	}
}

// Close is terminal. Queued envelopes fail with ErrRuntimeClosed, in-flight
// handlers get up to CloseTimeout to finish, and agent instances
// implementing Closer are closed.
func (r *LocalRuntime) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	r.cond.Broadcast()
	r.mu.Unlock()

	// Unblock enqueuers first, then close the mailboxes so every queued
	// delivery is answered before the goroutines exit.
	close(r.closedCh)
	r.enqueueWG.Wait()

	r.mu.Lock()
	for _, mb := range r.mailboxes {
		close(mb.ch)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[LocalRuntime] close timed out waiting for in-flight handlers")
	}

	r.registry.closeAll(ctx)
	return nil
}

// State returns the current lifecycle state.
func (r *LocalRuntime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the number of queued plus in-flight envelopes.
func (r *LocalRuntime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *LocalRuntime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateClosed
}

func (r *LocalRuntime) decPending() {
	r.mu.Lock()
	r.pending--
	if r.pending == 0 {
		r.cond.Broadcast()
	}
	r.updatePendingGauge()
	r.mu.Unlock()
}

// updatePendingGauge is called with r.mu held.
func (r *LocalRuntime) updatePendingGauge() {
	if r.cfg.EnableMetrics {
		metrics.SetPendingEnvelopes(float64(r.pending))
	}
}

// senderCtxKey carries the identity of the agent whose handler is running,
// so nested sends and publishes are stamped with the correct sender.
type senderCtxKey struct{}

func withSenderContext(ctx context.Context, id agent.AgentID) context.Context {
	return context.WithValue(ctx, senderCtxKey{}, id)
}

func senderFromContext(ctx context.Context) agent.AgentID {
	if id, ok := ctx.Value(senderCtxKey{}).(agent.AgentID); ok {
		return id
	}
	return agent.AgentID{}
}
