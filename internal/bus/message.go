package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fossabot/mycroft-core/internal/bus/topic"
)

// Topic aliases the hierarchical dotted message type so callers of this
// package rarely need to import the topic package directly.
type Topic = topic.Topic

// Context keys carried by every message.
const (
	// CtxSource identifies the connection or component that published the
	// message ("skills", "cli", "audio").
	CtxSource = "source"

	// CtxDestination optionally addresses the message to a single named
	// connection. The cross-process hub delivers destination-addressed
	// messages only to that peer.
	CtxDestination = "destination"

	// CtxIdent is the correlation id linking a request to its response.
	CtxIdent = "ident"
)

// Message is the unit of communication on the bus. A message is immutable
// once published: handlers must not mutate Data or Context in place but
// derive new messages with Reply or Forward.
type Message struct {
	// Type is the hierarchical dotted message type.
	Type topic.Topic `json:"type"`

	// Data is the open-ended payload.
	Data map[string]any `json:"data"`

	// Context carries routing metadata: source, optional destination, and
	// the ident correlation id.
	Context map[string]any `json:"context"`
}

// New creates a message with the given type and payload.
func New(msgType topic.Topic, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Type:    msgType,
		Data:    data,
		Context: map[string]any{},
	}
}

// NewWithContext creates a message with payload and context.
func NewWithContext(msgType topic.Topic, data, context map[string]any) *Message {
	m := New(msgType, data)
	for k, v := range context {
		m.Context[k] = v
	}
	return m
}

// Ident returns the correlation id, or "" when unset.
func (m *Message) Ident() string {
	s, _ := m.Context[CtxIdent].(string)
	return s
}

// Source returns the publishing connection name, or "" when unset.
func (m *Message) Source() string {
	s, _ := m.Context[CtxSource].(string)
	return s
}

// Destination returns the addressed connection name, or "" for broadcast.
func (m *Message) Destination() string {
	s, _ := m.Context[CtxDestination].(string)
	return s
}

// WithIdent returns a copy of the message carrying the given correlation id.
func (m *Message) WithIdent(ident string) *Message {
	cp := m.clone()
	cp.Context[CtxIdent] = ident
	return cp
}

// EnsureIdent returns the message's correlation id, assigning a fresh one
// if it does not have one yet. The receiver is returned for chaining.
func (m *Message) EnsureIdent() string {
	if ident := m.Ident(); ident != "" {
		return ident
	}
	ident := uuid.NewString()
	m.Context[CtxIdent] = ident
	return ident
}

// Reply derives a response message: it carries the parent's ident and is
// addressed back at the parent's source.
func (m *Message) Reply(msgType topic.Topic, data map[string]any) *Message {
	reply := New(msgType, data)
	if ident := m.Ident(); ident != "" {
		reply.Context[CtxIdent] = ident
	}
	if src := m.Source(); src != "" {
		reply.Context[CtxDestination] = src
	}
	return reply
}

// Response derives the conventional response to this message
// ("<type>.response") with the given payload.
func (m *Message) Response(data map[string]any) *Message {
	return m.Reply(m.Type.Response(), data)
}

// Forward derives a message of a new type that keeps this message's
// context, preserving the correlation chain across dispatch stages.
func (m *Message) Forward(msgType topic.Topic, data map[string]any) *Message {
	fwd := New(msgType, data)
	for k, v := range m.Context {
		fwd.Context[k] = v
	}
	return fwd
}

// clone returns a deep-enough copy: top-level maps are copied, values are
// shared. Sufficient because published messages are treated as immutable.
func (m *Message) clone() *Message {
	cp := &Message{
		Type:    m.Type,
		Data:    make(map[string]any, len(m.Data)),
		Context: make(map[string]any, len(m.Context)),
	}
	for k, v := range m.Data {
		cp.Data[k] = v
	}
	for k, v := range m.Context {
		cp.Context[k] = v
	}
	return cp
}

// Serialize encodes the message to its JSON wire form.
func (m *Message) Serialize() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize %q: %w", m.Type, err)
	}
	return raw, nil
}

// Deserialize decodes a message from its JSON wire form.
func Deserialize(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("%w: missing or invalid type", ErrMalformedMessage)
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	if m.Context == nil {
		m.Context = map[string]any{}
	}
	return &m, nil
}
