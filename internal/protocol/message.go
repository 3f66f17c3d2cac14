package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValidationError reports malformed input. Messages that fail validation
// are never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "protocol: invalid message: " + e.Reason
	}
	return fmt.Sprintf("protocol: invalid message: %s: %s", e.Field, e.Reason)
}

// Input holds the caller-supplied fields of a new message. ID, Timestamp
// and Attempt are normally left zero and filled by CreateMessage.
type Input struct {
	ID             string
	Timestamp      time.Time
	ThreadID       string
	RunID          string
	TaskID         string
	ParentTaskID   *string
	Trace          *Trace
	From           string
	To             []string
	Type           MessageType
	Domain         Domain
	PayloadType    string
	SchemaRef      string
	Payload        json.RawMessage
	Requires       []string
	Prefers        []string
	Attachments    []Attachment
	IdempotencyKey string
	Attempt        int
	Meta           map[string]any
}

// CreateMessage builds a validated envelope from in, assigning an ID,
// timestamp, protocol version and attempt=1 where absent.
func CreateMessage(in Input) (*Message, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = NewMessageID()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	attempt := in.Attempt
	if attempt < 1 {
		attempt = 1
	}

	to := make([]AgentRef, 0, len(in.To))
	for _, a := range in.To {
		to = append(to, AgentRef{AgentID: a})
	}

	msg := &Message{
		Version:        Version,
		ID:             id,
		Timestamp:      ts,
		ThreadID:       in.ThreadID,
		RunID:          in.RunID,
		TaskID:         in.TaskID,
		ParentTaskID:   in.ParentTaskID,
		Trace:          in.Trace,
		From:           AgentRef{AgentID: in.From},
		To:             to,
		Type:           in.Type,
		Domain:         in.Domain,
		PayloadType:    in.PayloadType,
		SchemaRef:      in.SchemaRef,
		Payload:        in.Payload,
		Requires:       nonNil(in.Requires),
		Prefers:        nonNil(in.Prefers),
		Attachments:    append([]Attachment{}, in.Attachments...),
		IdempotencyKey: in.IdempotencyKey,
		Attempt:        attempt,
		Meta:           cloneMap(in.Meta),
	}
	return msg, nil
}

func validate(in Input) error {
	if in.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if !in.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", in.Type)}
	}
	if !in.Domain.Valid() {
		return &ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", in.Domain)}
	}
	if in.From == "" {
		return &ValidationError{Field: "from.agent_id", Reason: "is required"}
	}
	if !IsSystemType(in.Type) && in.TaskID == "" && in.RunID == "" {
		return &ValidationError{Field: "task_id", Reason: fmt.Sprintf("%s messages must belong to a task within a run", in.Type)}
	}
	for i, to := range in.To {
		if to == "" {
			return &ValidationError{Field: fmt.Sprintf("to[%d].agent_id", i), Reason: "is required"}
		}
	}
	for i, a := range in.Attachments {
		if err := validateAttachment(a); err != nil {
			return &ValidationError{Field: fmt.Sprintf("attachments[%d]", i), Reason: err.Error()}
		}
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}
	return nil
}

func validateAttachment(a Attachment) error {
	switch a.Kind {
	case AttachmentArtifactRef:
		if a.Ref == "" {
			return fmt.Errorf("artifact_ref requires ref")
		}
	case AttachmentInline:
		if a.Content == "" {
			return fmt.Errorf("inline requires content")
		}
	case AttachmentURL:
		if a.URL == "" {
			return fmt.Errorf("url requires url")
		}
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
