package runtime

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	metrics "github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/proto"
)

// HostConfig tunes the relay host.
type HostConfig struct {
	// WorkerRateLimit caps the frames per second accepted from each worker.
	// Zero disables limiting.
	WorkerRateLimit float64

	// WorkerRateBurst is the burst size for the per-worker limiter.
	// Default: 100
	WorkerRateBurst int

	// EnableMetrics enables Prometheus metrics collection.
	// Default: true
	EnableMetrics bool
}

// DefaultHostConfig returns a HostConfig with sensible defaults.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		WorkerRateBurst: 100,
		EnableMetrics:   true,
	}
}

// HostOption configures a Host.
type HostOption func(*HostConfig)

// WithWorkerRateLimit caps frames per second per worker; zero disables.
func WithWorkerRateLimit(perSecond float64, burst int) HostOption {
	return func(cfg *HostConfig) {
		cfg.WorkerRateLimit = perSecond
		if burst > 0 {
			cfg.WorkerRateBurst = burst
		}
	}
}

// WithHostMetrics enables or disables metrics collection on the host.
func WithHostMetrics(enabled bool) HostOption {
	return func(cfg *HostConfig) {
		cfg.EnableMetrics = enabled
	}
}

// workerConn is the host's view of one connected worker: its stream, the
// agent types it owns, and the subscriptions events are fanned out against.
type workerConn struct {
	id     string
	stream proto.Relay_OpenServer

	// sendMu serializes writes; a gRPC stream allows one concurrent sender.
	sendMu sync.Mutex

	types   map[string]struct{}
	subs    *subscriptionTable
	limiter *rate.Limiter
}

func (w *workerConn) send(f *proto.Frame) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.stream.Send(f)
}

func (w *workerConn) ownsType(name string) bool {
	_, ok := w.types[name]
	return ok
}

// pendingRequest tracks one in-flight cross-worker request so the response
// finds its way back and a lost worker fails it explicitly.
type pendingRequest struct {
	originID string
	targetID string
}

// Host is the relay standing between workers. It keeps a directory of
// which worker owns which agent type, brokers request/response pairs by
// correlation ID, and fans published events out to every other worker with
// a matching subscription. The host never delivers an event back to the
// worker it came from.
type Host struct {
	proto.UnimplementedRelayServer

	cfg        *HostConfig
	listenAddr string

	mu      sync.RWMutex
	workers map[string]*workerConn
	pending map[string]*pendingRequest
	closed  bool

	server   *grpc.Server
	listener net.Listener
}

// NewHost creates a relay host that will listen on listenAddr (e.g.
// ":50051"; use ":0" to pick a free port).
func NewHost(listenAddr string, opts ...HostOption) *Host {
	cfg := DefaultHostConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Host{
		cfg:        cfg,
		listenAddr: listenAddr,
		workers:    make(map[string]*workerConn),
		pending:    make(map[string]*pendingRequest),
	}
}

// Start begins listening and serving relay streams. Non-blocking.
func (h *Host) Start() error {
	lis, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.listenAddr, err)
	}
	h.listener = lis

	h.server = grpc.NewServer()
	proto.RegisterRelayServer(h.server, h)

	go func() {
		log.Printf("[Host] relay listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("[Host] relay server error: %v", err)
		}
	}()
	return nil
}

// Serve registers the host on an externally managed gRPC server, for tests
// and embedding.
func (h *Host) Serve(s grpc.ServiceRegistrar) {
	proto.RegisterRelayServer(s, h)
}

// Addr returns the address the relay is listening on.
func (h *Host) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.listenAddr
}

// Workers returns the IDs of currently connected workers.
func (h *Host) Workers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.workers))
	for id := range h.workers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting streams and disconnects all workers.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if h.server != nil {
		h.server.GracefulStop()
	}
	return nil
}

// Open implements the relay stream. The first frame must be a register;
// after that the host routes requests, responses, and events until the
// worker disconnects.
func (h *Host) Open(stream proto.Relay_OpenServer) error {
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("worker closed before registering: %w", err)
	}
	if err := first.Validate(); err != nil {
		return fmt.Errorf("invalid first frame: %w", err)
	}
	if first.Kind != proto.KindRegister {
		return fmt.Errorf("first frame must be register, got %q", first.Kind)
	}

	w, err := h.addWorker(first.Register, stream)
	if err != nil {
		return err
	}
	defer h.dropWorker(w)

	log.Printf("[Host] worker %s registered (types: %v)", w.id, first.Register.AgentTypes)

	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := f.Validate(); err != nil {
			log.Printf("[Host] dropping invalid frame from worker %s: %v", w.id, err)
			continue
		}
		if h.cfg.EnableMetrics {
			metrics.RecordRelayFrame(f.Kind, "in")
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(stream.Context()); err != nil {
				return err
			}
		}

		switch f.Kind {
		case proto.KindRequest:
			h.routeRequest(w, f.Request)
		case proto.KindResponse:
			h.routeResponse(w, f.Response)
		case proto.KindEvent:
			h.fanOutEvent(w, f.Event)
		case proto.KindRegister:
			h.updateWorker(w, f.Register)
		}
	}
}

func (h *Host) addWorker(reg *proto.Register, stream proto.Relay_OpenServer) (*workerConn, error) {
	w := &workerConn{
		id:     reg.WorkerID,
		stream: stream,
		types:  make(map[string]struct{}, len(reg.AgentTypes)),
		subs:   newSubscriptionTable(),
	}
	for _, t := range reg.AgentTypes {
		w.types[t] = struct{}{}
	}
	for _, s := range reg.Subscriptions {
		w.subs.add(fromWireSubscription(s), "")
	}
	if h.cfg.WorkerRateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(h.cfg.WorkerRateLimit), h.cfg.WorkerRateBurst)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("host is closed")
	}
	if _, exists := h.workers[w.id]; exists {
		return nil, fmt.Errorf("worker id %s already connected", w.id)
	}
	h.workers[w.id] = w
	if h.cfg.EnableMetrics {
		metrics.SetConnectedWorkers(len(h.workers))
	}
	return w, nil
}

// updateWorker handles a re-register frame: workers send one when new
// agent types or subscriptions appear after connecting.
func (h *Host) updateWorker(w *workerConn, reg *proto.Register) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range reg.AgentTypes {
		w.types[t] = struct{}{}
	}
	for _, s := range reg.Subscriptions {
		w.subs.add(fromWireSubscription(s), "")
	}
}

// dropWorker removes the worker from the directory and fails every pending
// request targeting it. Undeliverable traffic is dropped with an explicit
// failure, never buffered for reconnection.
func (h *Host) dropWorker(w *workerConn) {
	h.mu.Lock()
	delete(h.workers, w.id)

	var orphaned []struct {
		corrID string
		origin *workerConn
	}
	for corrID, p := range h.pending {
		if p.targetID == w.id {
			if origin, ok := h.workers[p.originID]; ok {
				orphaned = append(orphaned, struct {
					corrID string
					origin *workerConn
				}{corrID, origin})
			}
			delete(h.pending, corrID)
		} else if p.originID == w.id {
			delete(h.pending, corrID)
		}
	}
	if h.cfg.EnableMetrics {
		metrics.SetConnectedWorkers(len(h.workers))
	}
	h.mu.Unlock()

	for _, o := range orphaned {
		h.sendResponse(o.origin, &proto.Response{
			CorrelationID: o.corrID,
			ErrorKind:     proto.ErrorKindWorkerUnavailable,
			Error:         fmt.Sprintf("worker %s disconnected", w.id),
		})
	}
	log.Printf("[Host] worker %s disconnected", w.id)
}

// routeRequest forwards a request to a worker owning the target agent
// type. Multiple workers may own the same type; the host picks one.
func (h *Host) routeRequest(origin *workerConn, req *proto.Request) {
	h.mu.Lock()
	var owner *workerConn
	for _, w := range h.workers {
		if w.id != origin.id && w.ownsType(req.Target.Type) {
			owner = w
			break
		}
	}
	if owner != nil {
		h.pending[req.CorrelationID] = &pendingRequest{originID: origin.id, targetID: owner.id}
	}
	h.mu.Unlock()

	if owner == nil {
		h.sendResponse(origin, &proto.Response{
			CorrelationID: req.CorrelationID,
			ErrorKind:     proto.ErrorKindUnknownAgentType,
			Error:         fmt.Sprintf("no worker owns agent type %q", req.Target.Type),
		})
		return
	}

	if err := h.sendFrame(owner, proto.NewRequestFrame(req)); err != nil {
		h.mu.Lock()
		delete(h.pending, req.CorrelationID)
		h.mu.Unlock()
		h.sendResponse(origin, &proto.Response{
			CorrelationID: req.CorrelationID,
			ErrorKind:     proto.ErrorKindWorkerUnavailable,
			Error:         fmt.Sprintf("forward to worker %s: %v", owner.id, err),
		})
	}
}

// routeResponse returns a response to the worker that originated the
// request under the same correlation ID.
func (h *Host) routeResponse(from *workerConn, resp *proto.Response) {
	h.mu.Lock()
	p, ok := h.pending[resp.CorrelationID]
	if ok {
		delete(h.pending, resp.CorrelationID)
	}
	var origin *workerConn
	if ok {
		origin = h.workers[p.originID]
	}
	h.mu.Unlock()

	if !ok {
		log.Printf("[Host] stray response from worker %s (correlation %s)", from.id, resp.CorrelationID)
		return
	}
	if origin == nil {
		log.Printf("[Host] dropping response for departed worker %s (correlation %s)", p.originID, resp.CorrelationID)
		return
	}
	h.sendResponse(origin, resp)
}

// fanOutEvent forwards a published event to every other worker with a
// matching subscription. The origin worker already delivered locally, so
// it is skipped.
func (h *Host) fanOutEvent(origin *workerConn, ev *proto.Event) {
	topic := fromWireTopic(ev.Topic)

	h.mu.RLock()
	var targets []*workerConn
	for _, w := range h.workers {
		if w.id == origin.id {
			continue
		}
		if w.subs.matchesAny(topic) {
			targets = append(targets, w)
		}
	}
	h.mu.RUnlock()

	frame := proto.NewEventFrame(ev)
	for _, w := range targets {
		if err := h.sendFrame(w, frame); err != nil {
			log.Printf("[Host] event fan-out to worker %s failed: %v", w.id, err)
		}
	}
}

func (h *Host) sendResponse(w *workerConn, resp *proto.Response) {
	if err := h.sendFrame(w, proto.NewResponseFrame(resp)); err != nil {
		log.Printf("[Host] response to worker %s failed: %v", w.id, err)
	}
}

func (h *Host) sendFrame(w *workerConn, f *proto.Frame) error {
	if h.cfg.EnableMetrics {
		metrics.RecordRelayFrame(f.Kind, "out")
	}
	return w.send(f)
}
