// Package proto defines the versioned wire schema and gRPC surface of the
// agentbus relay. Frames are encoded as JSON so non-Go workers can speak
// the protocol without sharing generated code; the schema is pinned by
// SchemaVersion and every frame carries it.
package proto

import "fmt"

// SchemaVersion is the wire schema revision. Peers reject frames carrying
// any other version.
const SchemaVersion = 1

// Frame kinds.
const (
	KindRegister = "register"
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Error kinds carried on Response frames. They map one-to-one onto the
// runtime's sentinel errors so a failure keeps its identity across the
// process boundary.
const (
	ErrorKindNone              = ""
	ErrorKindUnknownAgentType  = "unknown_agent_type"
	ErrorKindUnhandledType     = "unhandled_message_type"
	ErrorKindHandlerError      = "handler_error"
	ErrorKindWorkerUnavailable = "worker_unavailable"
	ErrorKindRuntimeClosed     = "runtime_closed"
	ErrorKindInternal          = "internal"
)

// AgentID names one addressable agent instance on the wire.
type AgentID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// IsZero reports whether the identity is unset.
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Key == ""
}

func (id AgentID) String() string {
	return id.Type + "/" + id.Key
}

// TopicID names one broadcast channel on the wire.
type TopicID struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// Subscription is one standing routing rule advertised at registration.
// An empty Source matches every source under the topic type.
type Subscription struct {
	TopicType string `json:"topic_type"`
	Source    string `json:"source,omitempty"`
}

// Message is the wire form of one application message. Payload is an
// opaque JSON document; the runtime never interprets it.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   string         `json:"payload"`
	Timestamp string         `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Register is the first frame a worker sends after opening the relay
// stream. It advertises the agent types the worker can host and the
// subscriptions the host should fan events out for.
type Register struct {
	WorkerID      string         `json:"worker_id"`
	AgentTypes    []string       `json:"agent_types"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
}

// Request asks the owning worker of Target.Type to deliver Message and
// return the handler's response under the same correlation ID.
type Request struct {
	CorrelationID string   `json:"correlation_id"`
	Sender        AgentID  `json:"sender,omitempty"`
	Target        AgentID  `json:"target"`
	Message       *Message `json:"message"`
}

// Response carries the outcome of a Request back to its origin worker.
// Exactly one of Message or ErrorKind is meaningful.
type Response struct {
	CorrelationID string   `json:"correlation_id"`
	Message       *Message `json:"message,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Event is a published message forwarded through the host to every other
// worker with a matching subscription. The host never echoes an event back
// to the worker it came from.
type Event struct {
	Sender  AgentID  `json:"sender,omitempty"`
	Topic   TopicID  `json:"topic"`
	Message *Message `json:"message"`
}

// Frame is the single envelope exchanged on the relay stream. Kind selects
// which payload field is set.
type Frame struct {
	Version  int       `json:"version"`
	Kind     string    `json:"kind"`
	Register *Register `json:"register,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

// NewRegisterFrame builds a register frame at the current schema version.
func NewRegisterFrame(reg *Register) *Frame {
	return &Frame{Version: SchemaVersion, Kind: KindRegister, Register: reg}
}

// NewRequestFrame builds a request frame at the current schema version.
func NewRequestFrame(req *Request) *Frame {
	return &Frame{Version: SchemaVersion, Kind: KindRequest, Request: req}
}

// NewResponseFrame builds a response frame at the current schema version.
func NewResponseFrame(resp *Response) *Frame {
	return &Frame{Version: SchemaVersion, Kind: KindResponse, Response: resp}
}

// NewEventFrame builds an event frame at the current schema version.
func NewEventFrame(ev *Event) *Frame {
	return &Frame{Version: SchemaVersion, Kind: KindEvent, Event: ev}
}

// Validate checks the version and that the payload matching Kind is set.
func (f *Frame) Validate() error {
	if f.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", f.Version, SchemaVersion)
	}
	switch f.Kind {
	case KindRegister:
		if f.Register == nil {
			return fmt.Errorf("register frame missing payload")
		}
		if f.Register.WorkerID == "" {
			return fmt.Errorf("register frame missing worker_id")
		}
	case KindRequest:
		if f.Request == nil {
			return fmt.Errorf("request frame missing payload")
		}
		if f.Request.CorrelationID == "" {
			return fmt.Errorf("request frame missing correlation_id")
		}
		if f.Request.Message == nil {
			return fmt.Errorf("request frame missing message")
		}
	case KindResponse:
		if f.Response == nil {
			return fmt.Errorf("response frame missing payload")
		}
		if f.Response.CorrelationID == "" {
			return fmt.Errorf("response frame missing correlation_id")
		}
	case KindEvent:
		if f.Event == nil {
			return fmt.Errorf("event frame missing payload")
		}
		if f.Event.Message == nil {
			return fmt.Errorf("event frame missing message")
		}
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return nil
}
