package agent

// Envelope is the addressed, immutable unit of transport carrying one
// message. Exactly one of recipient or topic is set: a send envelope targets
// a single AgentID, a publish envelope targets a topic. Cancellation travels
// alongside the envelope as the context.Context passed to Send or Publish.
type Envelope struct {
	message   *Message
	sender    AgentID
	recipient AgentID
	topic     TopicID
}

// NewSendEnvelope creates a point-to-point envelope. A zero sender means the
// message originated outside any agent.
func NewSendEnvelope(msg *Message, sender, recipient AgentID) *Envelope {
	return &Envelope{message: msg, sender: sender, recipient: recipient}
}

// NewPublishEnvelope creates a topic fan-out envelope.
func NewPublishEnvelope(msg *Message, sender AgentID, topic TopicID) *Envelope {
	return &Envelope{message: msg, sender: sender, topic: topic}
}

// Message returns the carried payload.
func (e *Envelope) Message() *Message { return e.message }

// Sender returns the publishing or sending agent, zero when external.
func (e *Envelope) Sender() AgentID { return e.sender }

// Recipient returns the target AgentID of a send envelope, zero for publish.
func (e *Envelope) Recipient() AgentID { return e.recipient }

// Topic returns the target topic of a publish envelope, zero for send.
func (e *Envelope) Topic() TopicID { return e.topic }

// IsRPC reports whether this envelope expects a response (send vs publish).
func (e *Envelope) IsRPC() bool { return !e.recipient.IsZero() }

// MessageContext carries delivery context into a handler invocation: who
// sent the message, which topic it arrived on (zero for direct sends), and
// whether a response is expected.
type MessageContext struct {
	// Sender is the agent that sent or published the message, zero when the
	// message came from outside the runtime.
	Sender AgentID

	// Topic is the topic the message was published on, zero for direct sends.
	Topic TopicID

	// IsRPC is true for Send deliveries; the handler's return value is
	// relayed to the caller. For publish deliveries the return value is
	// discarded.
	IsRPC bool

	// MessageID is the ID of the delivered message.
	MessageID string
}
