// Package protocol defines the message envelope exchanged between agents
// and the rules for constructing one.
package protocol

import (
	"encoding/json"
	"slices"
	"time"
)

// Version is the protocol version stamped on every message.
const Version = "1.0"

// MessageType is the closed set of message kinds carried by the bus.
type MessageType string

const (
	TypeTaskRequest  MessageType = "task.request"
	TypeTaskAssign   MessageType = "task.assign"
	TypeTaskAccept   MessageType = "task.accept"
	TypeTaskReject   MessageType = "task.reject"
	TypeTaskProgress MessageType = "task.progress"
	TypeTaskResult   MessageType = "task.result"
	TypeTaskReview   MessageType = "task.review"
	TypeTaskRework   MessageType = "task.rework"
	TypeTaskComplete MessageType = "task.complete"
	TypeTaskFail     MessageType = "task.fail"
	TypeTaskCancel   MessageType = "task.cancel"

	TypeChatMessage MessageType = "chat.message"
	TypeChatSystem  MessageType = "chat.system"

	TypeToolCall   MessageType = "tool.call"
	TypeToolResult MessageType = "tool.result"

	TypeAgentRegister  MessageType = "agent.register"
	TypeAgentHeartbeat MessageType = "agent.heartbeat"
	TypeAgentUpdate    MessageType = "agent.update"

	TypeRoutingDecision MessageType = "routing.decision"
	TypeRoutingFailure  MessageType = "routing.failure"
)

var validTypes = map[MessageType]bool{
	TypeTaskRequest: true, TypeTaskAssign: true, TypeTaskAccept: true,
	TypeTaskReject: true, TypeTaskProgress: true, TypeTaskResult: true,
	TypeTaskReview: true, TypeTaskRework: true, TypeTaskComplete: true,
	TypeTaskFail: true, TypeTaskCancel: true,
	TypeChatMessage: true, TypeChatSystem: true,
	TypeToolCall: true, TypeToolResult: true,
	TypeAgentRegister: true, TypeAgentHeartbeat: true, TypeAgentUpdate: true,
	TypeRoutingDecision: true, TypeRoutingFailure: true,
}

// systemTypes are exempt from the task-centric invariant.
var systemTypes = map[MessageType]bool{
	TypeAgentRegister:   true,
	TypeAgentHeartbeat:  true,
	TypeAgentUpdate:     true,
	TypeRoutingDecision: true,
	TypeRoutingFailure:  true,
	TypeChatSystem:      true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return validTypes[t] }

// ValidTypes returns every known message type, sorted.
func ValidTypes() []MessageType {
	out := make([]MessageType, 0, len(validTypes))
	for t := range validTypes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// IsSystemType reports whether t is exempt from the task-centric invariant.
func IsSystemType(t MessageType) bool { return systemTypes[t] }

// IsRoutable reports whether messages of type t go through capability
// routing. Agent lifecycle and routing audit messages never do.
func IsRoutable(t MessageType) bool {
	switch t {
	case TypeAgentRegister, TypeAgentHeartbeat, TypeAgentUpdate,
		TypeRoutingDecision, TypeRoutingFailure:
		return false
	}
	return true
}

// Domain is an optional coarse tag for the kind of work a message concerns.
type Domain string

const (
	DomainCode     Domain = "code"
	DomainResearch Domain = "research"
	DomainOps      Domain = "ops"
	DomainDesign   Domain = "design"
	DomainData     Domain = "data"
	DomainGeneral  Domain = "general"
)

// Valid reports whether d is empty or a known domain.
func (d Domain) Valid() bool {
	switch d {
	case "", DomainCode, DomainResearch, DomainOps, DomainDesign, DomainData, DomainGeneral:
		return true
	}
	return false
}

// AttachmentKind selects how an attachment carries its content.
type AttachmentKind string

const (
	AttachmentArtifactRef AttachmentKind = "artifact_ref"
	AttachmentInline      AttachmentKind = "inline"
	AttachmentURL         AttachmentKind = "url"
)

// Attachment is inline content, a URL, or a content-addressed reference.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Ref      string         `json:"ref,omitempty"`
	Content  string         `json:"content,omitempty"`
	URL      string         `json:"url,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
}

// AgentRef addresses a single agent.
type AgentRef struct {
	AgentID string `json:"agent_id"`
}

// Trace carries distributed tracing identifiers.
type Trace struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id,omitempty"`
}

// Message is the immutable envelope persisted by the event store.
type Message struct {
	Version        string          `json:"v"`
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"ts"`
	ThreadID       string          `json:"thread_id"`
	RunID          string          `json:"run_id"`
	TaskID         string          `json:"task_id"`
	ParentTaskID   *string         `json:"parent_task_id"`
	Trace          *Trace          `json:"trace,omitempty"`
	From           AgentRef        `json:"from"`
	To             []AgentRef      `json:"to"`
	Type           MessageType     `json:"type"`
	Domain         Domain          `json:"domain,omitempty"`
	PayloadType    string          `json:"payload_type"`
	SchemaRef      string          `json:"schema_ref"`
	Payload        json.RawMessage `json:"payload"`
	Requires       []string        `json:"requires"`
	Prefers        []string        `json:"prefers"`
	Attachments    []Attachment    `json:"attachments"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
	Meta           map[string]any  `json:"meta"`
}

// Recipients returns the recipient agent IDs in order.
func (m *Message) Recipients() []string {
	ids := make([]string, 0, len(m.To))
	for _, r := range m.To {
		ids = append(ids, r.AgentID)
	}
	return ids
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.ParentTaskID != nil {
		p := *m.ParentTaskID
		c.ParentTaskID = &p
	}
	if m.Trace != nil {
		t := *m.Trace
		c.Trace = &t
	}
	c.To = append([]AgentRef{}, m.To...)
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	c.Requires = append([]string{}, m.Requires...)
	c.Prefers = append([]string{}, m.Prefers...)
	c.Attachments = append([]Attachment{}, m.Attachments...)
	c.Meta = cloneMap(m.Meta)
	return &c
}

// Marshal encodes m in its wire form.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a wire-form message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any{}, vv...)
		case []string:
			out[k] = append([]string{}, vv...)
		default:
			out[k] = v
		}
	}
	return out
}
