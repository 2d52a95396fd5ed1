package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentbus-dev/agentbus/agent"
	metrics "github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/proto"
)

// Worker is a LocalRuntime joined to a relay host. Sends to agent types
// registered locally stay in-process; sends to anything else travel to the
// host as request frames. Publishes always deliver locally first, then
// forward one event frame for the host to fan out.
//
// Agent factories receive the worker as their runtime, so handler code is
// identical in local and distributed deployments.
type Worker struct {
	id    string
	local *LocalRuntime

	mu         sync.Mutex
	conn       *grpc.ClientConn
	stream     proto.Relay_OpenClient
	streamStop context.CancelFunc
	pending    map[string]chan sendResult

	// sendMu serializes stream writes.
	sendMu sync.Mutex
}

// NewWorker creates a worker runtime. It behaves exactly like a local
// runtime until Connect is called.
func NewWorker(opts ...Option) *Worker {
	w := &Worker{
		id:      uuid.New().String(),
		local:   NewLocalRuntime(opts...),
		pending: make(map[string]chan sendResult),
	}
	w.local.bindRuntime(w)
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Connect dials the host and registers this worker's agent types and
// subscriptions. ctx bounds the dial and the life of the stream.
func (w *Worker) Connect(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("failed to dial host at %s: %w", addr, err)
	}
	return w.connect(ctx, conn)
}

// ConnectClient attaches the worker to an existing client connection, for
// tests and custom transports (TLS, in-memory listeners).
func (w *Worker) ConnectClient(ctx context.Context, conn *grpc.ClientConn) error {
	return w.connect(ctx, conn)
}

func (w *Worker) connect(ctx context.Context, conn *grpc.ClientConn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream != nil {
		_ = conn.Close()
		return fmt.Errorf("worker already connected")
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := proto.NewRelayClient(conn).Open(streamCtx,
		grpc.CallContentSubtype(proto.CodecName),
	)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("failed to open relay stream: %w", err)
	}

	if err := stream.Send(proto.NewRegisterFrame(w.registerPayload())); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("failed to register with host: %w", err)
	}

	w.conn = conn
	w.stream = stream
	w.streamStop = cancel
	go w.readPump(stream)

	log.Printf("[Worker] %s connected to host at %s", w.id, conn.Target())
	return nil
}

func (w *Worker) registerPayload() *proto.Register {
	subs := w.local.Subscriptions()
	wireSubs := make([]proto.Subscription, 0, len(subs))
	for _, s := range subs {
		wireSubs = append(wireSubs, toWireSubscription(s))
	}
	return &proto.Register{
		WorkerID:      w.id,
		AgentTypes:    w.local.Types(),
		Subscriptions: wireSubs,
	}
}

// Disconnect detaches from the host. In-flight remote sends fail with
// ErrWorkerUnavailable; local delivery continues unaffected.
func (w *Worker) Disconnect() error {
	w.mu.Lock()
	stop := w.streamStop
	conn := w.conn
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	w.teardown(nil)
	return nil
}

// readPump receives frames from the host until the stream dies.
func (w *Worker) readPump(stream proto.Relay_OpenClient) {
	for {
		f, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Printf("[Worker] %s stream closed: %v", w.id, err)
			}
			w.teardown(err)
			return
		}
		if err := f.Validate(); err != nil {
			log.Printf("[Worker] %s dropping invalid frame: %v", w.id, err)
			continue
		}
		if w.local.cfg.EnableMetrics {
			metrics.RecordRelayFrame(f.Kind, "in")
		}

		switch f.Kind {
		case proto.KindRequest:
			// Dispatch off the pump so a slow handler never stalls
			// responses and events behind it.
			go w.handleRequest(f.Request)
		case proto.KindResponse:
			w.handleResponse(f.Response)
		case proto.KindEvent:
			w.handleEvent(f.Event)
		}
	}
}

// teardown clears the connection and fails every in-flight remote send.
func (w *Worker) teardown(cause error) {
	w.mu.Lock()
	if w.stream == nil {
		w.mu.Unlock()
		return
	}
	w.stream = nil
	w.conn = nil
	w.streamStop = nil
	pending := w.pending
	w.pending = make(map[string]chan sendResult)
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- sendResult{err: fmt.Errorf("%w: connection to host lost", agent.ErrWorkerUnavailable)}
	}
	if cause != nil && len(pending) > 0 {
		log.Printf("[Worker] %s failed %d in-flight remote sends", w.id, len(pending))
	}
}

// handleRequest runs an inbound request against the local runtime and
// returns the outcome under the same correlation ID.
func (w *Worker) handleRequest(req *proto.Request) {
	ctx := withSenderContext(context.Background(), fromWireAgentID(req.Sender))
	resp, err := w.local.Send(ctx, fromWireMessage(req.Message), fromWireAgentID(req.Target))

	out := &proto.Response{CorrelationID: req.CorrelationID}
	if err != nil {
		out.ErrorKind = errorKind(err)
		out.Error = err.Error()
	} else {
		out.Message = toWireMessage(resp)
	}
	if err := w.sendFrame(proto.NewResponseFrame(out)); err != nil {
		log.Printf("[Worker] %s failed to return response %s: %v", w.id, req.CorrelationID, err)
	}
}

func (w *Worker) handleResponse(resp *proto.Response) {
	w.mu.Lock()
	ch, ok := w.pending[resp.CorrelationID]
	if ok {
		delete(w.pending, resp.CorrelationID)
	}
	w.mu.Unlock()
	if !ok {
		log.Printf("[Worker] %s stray response (correlation %s)", w.id, resp.CorrelationID)
		return
	}
	ch <- sendResult{
		msg: fromWireMessage(resp.Message),
		err: errorFromWire(resp.ErrorKind, resp.Error),
	}
}

// handleEvent delivers a relayed publish to local subscribers. The sender
// identity travels with the event so fan-out still skips the publisher.
func (w *Worker) handleEvent(ev *proto.Event) {
	ctx := withSenderContext(context.Background(), fromWireAgentID(ev.Sender))
	if err := w.local.Publish(ctx, fromWireMessage(ev.Message), fromWireTopic(ev.Topic)); err != nil {
		log.Printf("[Worker] %s failed to deliver relayed event: %v", w.id, err)
	}
}

func (w *Worker) sendFrame(f *proto.Frame) error {
	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("%w: not connected to host", agent.ErrWorkerUnavailable)
	}
	if w.local.cfg.EnableMetrics {
		metrics.RecordRelayFrame(f.Kind, "out")
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return stream.Send(f)
}

func (w *Worker) connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream != nil
}

// reregister pushes an updated advertisement after new registrations.
func (w *Worker) reregister() {
	if !w.connected() {
		return
	}
	if err := w.sendFrame(proto.NewRegisterFrame(w.registerPayload())); err != nil {
		log.Printf("[Worker] %s failed to update registration: %v", w.id, err)
	}
}

// RegisterAgentType binds a type name to a factory on the local runtime
// and advertises it to the host when connected.
func (w *Worker) RegisterAgentType(name string, factory agent.FactoryFunc, subs ...agent.Subscription) error {
	if err := w.local.RegisterAgentType(name, factory, subs...); err != nil {
		return err
	}
	w.reregister()
	return nil
}

// Subscribe adds a routing rule and advertises it to the host when
// connected.
func (w *Worker) Subscribe(agentType string, sub agent.Subscription) error {
	if err := w.local.Subscribe(agentType, sub); err != nil {
		return err
	}
	w.reregister()
	return nil
}

// Metadata returns the description of a locally hosted agent.
func (w *Worker) Metadata(id agent.AgentID) (string, error) {
	return w.local.Metadata(id)
}

// Send delivers locally when this worker hosts the recipient's type,
// otherwise routes the message through the host and waits for the
// correlated response.
func (w *Worker) Send(ctx context.Context, msg *agent.Message, recipient agent.AgentID) (*agent.Message, error) {
	if w.local.HasType(recipient.Type) {
		return w.local.Send(ctx, msg, recipient)
	}
	if !w.connected() {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, recipient.Type)
	}

	corrID := uuid.New().String()
	ch := make(chan sendResult, 1)
	w.mu.Lock()
	w.pending[corrID] = ch
	w.mu.Unlock()

	req := &proto.Request{
		CorrelationID: corrID,
		Sender:        toWireAgentID(senderFromContext(ctx)),
		Target:        toWireAgentID(recipient),
		Message:       toWireMessage(msg),
	}
	if err := w.sendFrame(proto.NewRequestFrame(req)); err != nil {
		w.mu.Lock()
		delete(w.pending, corrID)
		w.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, corrID)
		w.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Publish delivers to local subscribers and forwards one event frame for
// the host to fan out to other workers. The host never echoes it back.
func (w *Worker) Publish(ctx context.Context, msg *agent.Message, topic agent.TopicID) error {
	if err := w.local.Publish(ctx, msg, topic); err != nil {
		return err
	}
	if !w.connected() {
		return nil
	}

	ev := &proto.Event{
		Sender:  toWireAgentID(senderFromContext(ctx)),
		Topic:   toWireTopic(topic),
		Message: toWireMessage(msg),
	}
	if err := w.sendFrame(proto.NewEventFrame(ev)); err != nil {
		return fmt.Errorf("forward publish to host: %w", err)
	}
	return nil
}

// Start starts the local delivery engine.
func (w *Worker) Start() error {
	return w.local.Start()
}

// Stop stops the local delivery engine.
func (w *Worker) Stop() error {
	return w.local.Stop()
}

// StopWhenIdle blocks until local delivery is idle, then stops.
func (w *Worker) StopWhenIdle(ctx context.Context) error {
	return w.local.StopWhenIdle(ctx)
}

// Failures returns the local runtime's publish-failure channel.
func (w *Worker) Failures() <-chan *agent.HandlerError {
	return w.local.Failures()
}

// Close disconnects from the host and closes the local runtime.
func (w *Worker) Close() error {
	_ = w.Disconnect()
	return w.local.Close()
}
