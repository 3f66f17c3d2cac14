package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/registry"
	"github.com/zulandar/agentbus/internal/task"
	"github.com/zulandar/agentbus/internal/telegraph"
	"go.opentelemetry.io/otel/attribute"
)

// CreateRunInput starts a new run with its root task.request.
type CreateRunInput struct {
	From     string
	To       []string // empty routes by capability
	Domain   protocol.Domain
	Payload  json.RawMessage // a "title" string field names the task
	Requires []string
	Prefers  []string
	Meta     map[string]any
}

// CreateRun publishes a root task.request with fresh run, task and
// thread ids.
func (b *Bus) CreateRun(ctx context.Context, in CreateRunInput) (*PublishResult, error) {
	return b.Publish(ctx, protocol.Input{
		From:     in.From,
		To:       in.To,
		Type:     protocol.TypeTaskRequest,
		Domain:   in.Domain,
		Payload:  in.Payload,
		Requires: in.Requires,
		Prefers:  in.Prefers,
		Meta:     in.Meta,
	})
}

// Publish stores a message and returns once it is durable. Routing and
// delivery run in the background; their outcomes reach the notifier.
func (b *Bus) Publish(ctx context.Context, in protocol.Input) (*PublishResult, error) {
	ctx, span := observability.StartSpan(ctx, "bus.publish",
		attribute.String("message.type", string(in.Type)),
		attribute.String("message.from", in.From),
	)
	defer span.End()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return nil, ErrStopped
	}

	in, err := prepare(in)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if in.Trace == nil {
		if traceID, spanID := observability.SpanIDs(ctx); traceID != "" {
			in.Trace = &protocol.Trace{TraceID: traceID, SpanID: spanID}
		}
	}

	if in.IdempotencyKey != "" {
		existing, err := b.store.FindByIdempotencyKey(ctx, in.RunID, in.IdempotencyKey)
		switch {
		case err == nil:
			b.metrics.MessageDuplicate()
			b.logger.Debug("duplicate publish", "run_id", in.RunID, "idempotency_key", in.IdempotencyKey, "message_id", existing.ID)
			return &PublishResult{Message: existing, Duplicate: true}, nil
		case !errors.Is(err, eventstore.ErrNotFound):
			observability.RecordError(span, err)
			return nil, fmt.Errorf("bus: publish: %w", err)
		}
	}

	msg, err := protocol.CreateMessage(in)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	rec, err := b.store.AppendIdempotent(ctx, msg)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("bus: publish %s: %w", msg.ID, err)
	}
	if rec.Duplicate {
		b.metrics.MessageDuplicate()
		return &PublishResult{Message: rec.Message, Duplicate: true}, nil
	}
	msg = rec.Message
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.String("run.id", msg.RunID))

	b.metrics.MessagePublished(string(msg.Type))
	b.logger.Info("message published",
		"message_id", msg.ID, "type", msg.Type, "from", msg.From.AgentID,
		"run_id", msg.RunID, "task_id", msg.TaskID, "seq", rec.Seq)
	b.notify(ctx, telegraph.Event{
		Kind:      telegraph.KindMessageCreated,
		RunID:     msg.RunID,
		TaskID:    msg.TaskID,
		MessageID: msg.ID,
		Type:      string(msg.Type),
		From:      msg.From.AgentID,
	})

	switch {
	case msg.Type == protocol.TypeTaskRequest:
		b.createTask(ctx, msg)
	case isAgentMessage(msg.Type):
		b.applyAgentMessage(ctx, msg)
	}
	if _, ok := lifecycleStates[msg.Type]; ok && msg.TaskID != "" {
		select {
		case b.lifecycle <- msg:
		case <-ctx.Done():
			b.logger.Warn("lifecycle update skipped", "message_id", msg.ID, "error", ctx.Err())
		}
	}
	if protocol.IsRoutable(msg.Type) {
		b.dispatch.Add(1)
		go b.dispatchMessage(context.WithoutCancel(ctx), msg.Clone())
	}
	return &PublishResult{Message: msg}, nil
}

// prepare fills the ids a publish may leave out. A task.request with
// neither run nor task opens a new run and may not carry an idempotency
// key; every other non-system message must name both.
func prepare(in protocol.Input) (protocol.Input, error) {
	if in.Type == protocol.TypeTaskRequest && in.RunID == "" && in.TaskID == "" {
		if in.IdempotencyKey != "" {
			return in, &protocol.ValidationError{
				Field:  "idempotency_key",
				Reason: "keys are scoped to a run; a request opening a new run cannot carry one",
			}
		}
		in.RunID = protocol.NewRunID()
		in.TaskID = protocol.NewTaskID()
		if in.ThreadID == "" {
			in.ThreadID = protocol.NewThreadID()
		}
		return in, nil
	}
	if in.Type.Valid() && !protocol.IsSystemType(in.Type) {
		if in.TaskID == "" {
			return in, &protocol.ValidationError{
				Field:  "task_id",
				Reason: fmt.Sprintf("%s requires a task (only a new task.request may omit it)", in.Type),
			}
		}
		if in.RunID == "" {
			return in, &protocol.ValidationError{Field: "run_id", Reason: "task " + in.TaskID + " must belong to a run"}
		}
	}
	if in.ThreadID == "" {
		in.ThreadID = in.TaskID
	}
	return in, nil
}

func (b *Bus) createTask(ctx context.Context, msg *protocol.Message) {
	_, err := b.tasks.Create(ctx, task.CreateOpts{
		ID:           msg.TaskID,
		RunID:        msg.RunID,
		ThreadID:     msg.ThreadID,
		ParentTaskID: msg.ParentTaskID,
		Title:        payloadTitle(msg.Payload),
		CreatedBy:    msg.From.AgentID,
	})
	if err != nil && !errors.Is(err, task.ErrExists) {
		b.logger.Warn("create task record failed", "task_id", msg.TaskID, "error", err)
	}
}

// payloadTitle returns the "title" field of a JSON object payload.
func payloadTitle(payload json.RawMessage) string {
	var p struct {
		Title string `json:"title"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.Title
}

func isAgentMessage(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeAgentRegister, protocol.TypeAgentHeartbeat, protocol.TypeAgentUpdate:
		return true
	}
	return false
}

// applyAgentMessage keeps the directory and registry in step with the
// agent.* messages published on the bus. Failures are logged only.
func (b *Bus) applyAgentMessage(ctx context.Context, msg *protocol.Message) {
	agentID := msg.From.AgentID
	var err error
	switch msg.Type {
	case protocol.TypeAgentRegister:
		var card registry.AgentCard
		if err = json.Unmarshal(msg.Payload, &card); err == nil {
			if card.ID == "" {
				card.ID = agentID
			}
			err = b.RegisterAgent(ctx, card)
		}
	case protocol.TypeAgentHeartbeat:
		if err = b.dir.Heartbeat(ctx, agentID); err == nil {
			err = b.reg.SetStatus(agentID, registry.StatusOnline)
		}
	case protocol.TypeAgentUpdate:
		var p struct {
			Status registry.Status `json:"status"`
		}
		if err = json.Unmarshal(msg.Payload, &p); err == nil && p.Status != "" {
			if err = b.dir.SetStatus(ctx, agentID, p.Status); err == nil {
				err = b.reg.SetStatus(agentID, p.Status)
			}
		}
	}
	if err != nil {
		b.logger.Warn("agent message not applied", "type", msg.Type, "agent_id", agentID, "error", err)
	}
}
