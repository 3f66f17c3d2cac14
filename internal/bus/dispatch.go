package bus

import (
	"context"
	"errors"

	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/router"
	"github.com/zulandar/agentbus/internal/task"
	"github.com/zulandar/agentbus/internal/taskstate"
	"github.com/zulandar/agentbus/internal/telegraph"
)

// lifecycleStates maps task lifecycle messages to the state they move the
// task to.
var lifecycleStates = map[protocol.MessageType]taskstate.State{
	protocol.TypeTaskAccept:   taskstate.Running,
	protocol.TypeTaskReject:   taskstate.Created,
	protocol.TypeTaskReview:   taskstate.Review,
	protocol.TypeTaskRework:   taskstate.Rework,
	protocol.TypeTaskComplete: taskstate.Done,
	protocol.TypeTaskFail:     taskstate.Failed,
	protocol.TypeTaskCancel:   taskstate.Cancelled,
}

// Messages that end an agent's hold on a task.
var releasesSlot = map[protocol.MessageType]bool{
	protocol.TypeTaskReject:   true,
	protocol.TypeTaskComplete: true,
	protocol.TypeTaskFail:     true,
	protocol.TypeTaskCancel:   true,
}

// isWork reports whether delivering t hands the recipient a task, so the
// in-flight slot taken by the router stays held until the task ends.
func isWork(t protocol.MessageType) bool {
	return t == protocol.TypeTaskRequest || t == protocol.TypeTaskAssign
}

func (b *Bus) dispatchMessage(ctx context.Context, msg *protocol.Message) {
	defer b.dispatch.Done()

	recipients := msg.Recipients()
	switch len(recipients) {
	case 0:
		b.routeAndDeliver(ctx, msg)
	case 1:
		b.afterDelivery(ctx, msg, b.router.Deliver(ctx, msg, recipients[0]))
	default:
		for _, res := range b.router.Broadcast(ctx, msg, recipients) {
			b.afterDelivery(ctx, msg, res)
		}
	}
}

func (b *Bus) routeAndDeliver(ctx context.Context, msg *protocol.Message) {
	res, err := b.router.Route(ctx, msg)
	if err != nil {
		b.logger.Error("route failed", "message_id", msg.ID, "error", err)
		return
	}
	if !res.Success {
		b.notify(ctx, telegraph.Event{
			Kind:      telegraph.KindRoutingFailure,
			RunID:     msg.RunID,
			TaskID:    msg.TaskID,
			MessageID: msg.ID,
			Type:      string(msg.Type),
			Reason:    res.Reason,
		})
		return
	}
	b.notify(ctx, telegraph.Event{
		Kind:      telegraph.KindRoutingDecision,
		RunID:     msg.RunID,
		TaskID:    msg.TaskID,
		MessageID: msg.ID,
		AgentID:   res.SelectedAgent,
		Type:      string(msg.Type),
		Reason:    res.Reason,
	})
	b.afterDelivery(ctx, msg, b.router.Deliver(ctx, msg, res.SelectedAgent))
}

// afterDelivery reports the outcome. Slots taken for work are settled by
// runTracked; anything else is freed here.
func (b *Bus) afterDelivery(ctx context.Context, msg *protocol.Message, res router.DeliveryResult) {
	if !res.Success {
		reason := ""
		if res.Err != nil {
			reason = res.Err.Error()
		}
		b.logger.Warn("delivery failed", "message_id", res.MessageID, "agent_id", res.AgentID,
			"retryable", res.Retryable, "error", res.Err)
		b.notify(ctx, telegraph.Event{
			Kind:      telegraph.KindDeliveryFailed,
			RunID:     msg.RunID,
			TaskID:    msg.TaskID,
			MessageID: res.MessageID,
			AgentID:   res.AgentID,
			Type:      string(msg.Type),
			Reason:    reason,
		})
		return
	}
	if res.Deduplicated {
		return
	}
	b.notify(ctx, telegraph.Event{
		Kind:      telegraph.KindMessageDelivered,
		RunID:     msg.RunID,
		TaskID:    msg.TaskID,
		MessageID: res.MessageID,
		AgentID:   res.AgentID,
		Type:      string(msg.Type),
	})
	if !tracksSlot(msg) {
		b.release(res.AgentID)
	}
}

func tracksSlot(msg *protocol.Message) bool {
	return isWork(msg.Type) && msg.TaskID != ""
}

// slot is an agent's hold on one task. While the handler runs, a release
// only marks it; runTracked frees it once the handler returns.
type slot struct {
	agentID    string
	delivering bool
	released   bool
}

// tracked wraps h so deliveries of work to agentID go through runTracked.
func (b *Bus) tracked(agentID string, h router.Handler) router.Handler {
	return func(ctx context.Context, msg *protocol.Message) error {
		return b.runTracked(ctx, agentID, msg, h)
	}
}

// runTracked takes the slot and moves the task to assigned before h runs,
// so lifecycle messages h publishes apply on top of the assignment. A
// failed or panicking handler undoes both; the router frees the counter.
func (b *Bus) runTracked(ctx context.Context, agentID string, msg *protocol.Message, h router.Handler) error {
	if !tracksSlot(msg) {
		return h(ctx, msg)
	}
	s := b.hold(msg.TaskID, agentID)
	reopen := b.assign(ctx, msg.TaskID, agentID)

	ok := false
	defer func() {
		b.settle(msg.TaskID, s, ok)
		if !ok && reopen {
			b.unassign(ctx, msg.TaskID, agentID)
		}
	}()
	err := h(ctx, msg)
	ok = err == nil
	return err
}

// hold records agentID as holding taskID's slot. A previous holder is
// released so a reassigned task is counted once.
func (b *Bus) hold(taskID, agentID string) *slot {
	s := &slot{agentID: agentID, delivering: true}
	b.assignMu.Lock()
	prev := b.assignments[taskID]
	b.assignments[taskID] = s
	free := prev != nil && b.dropLocked(prev)
	b.assignMu.Unlock()
	if free {
		b.release(prev.agentID)
	}
	return s
}

// releaseTask frees the slot held for taskID, if any.
func (b *Bus) releaseTask(taskID string) {
	b.assignMu.Lock()
	s := b.assignments[taskID]
	delete(b.assignments, taskID)
	free := s != nil && b.dropLocked(s)
	b.assignMu.Unlock()
	if free {
		b.release(s.agentID)
	}
}

// dropLocked marks s released and reports whether the caller must free
// the counter now. Callers hold assignMu.
func (b *Bus) dropLocked(s *slot) bool {
	s.released = true
	return !s.delivering
}

// settle ends the handler phase of s. On failure the router already
// frees the counter, so only the record is dropped.
func (b *Bus) settle(taskID string, s *slot, ok bool) {
	b.assignMu.Lock()
	s.delivering = false
	current := b.assignments[taskID] == s
	if !ok && current {
		delete(b.assignments, taskID)
	}
	free := ok && s.released
	b.assignMu.Unlock()
	if free {
		b.release(s.agentID)
	}
}

func (b *Bus) release(agentID string) {
	if err := b.reg.DecrementTasks(agentID); err != nil {
		b.logger.Debug("release in-flight slot", "agent_id", agentID, "error", err)
	}
}

// assign moves the task record to assigned when its state allows. It
// reports whether the task came from created, which unassign can undo.
func (b *Bus) assign(ctx context.Context, taskID, agentID string) bool {
	t, err := b.tasks.FindByTaskID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			b.logger.Warn("load task for assignment", "task_id", taskID, "error", err)
		}
		return false
	}
	from := taskstate.State(t.State)
	if !taskstate.IsValidTransition(from, taskstate.Assigned) {
		return false
	}
	if _, err := b.tasks.Assign(ctx, taskID, agentID, router.AgentID); err != nil {
		b.logger.Warn("assign task failed", "task_id", taskID, "agent_id", agentID, "error", err)
		return false
	}
	return from == taskstate.Created
}

// unassign reopens a task whose delivery failed, unless the agent already
// moved it on.
func (b *Bus) unassign(ctx context.Context, taskID, agentID string) {
	t, err := b.tasks.FindByTaskID(ctx, taskID)
	if err != nil || t.State != string(taskstate.Assigned) || t.Assignee != agentID {
		return
	}
	if _, err := b.tasks.UpdateState(ctx, taskID, taskstate.Created, router.AgentID); err != nil {
		b.logger.Warn("reopen task after failed delivery", "task_id", taskID, "error", err)
	}
}

// runLifecycle applies task lifecycle messages in publish order.
func (b *Bus) runLifecycle() {
	defer close(b.workerDone)
	for msg := range b.lifecycle {
		b.applyLifecycle(context.Background(), msg)
	}
}

func (b *Bus) applyLifecycle(ctx context.Context, msg *protocol.Message) {
	if releasesSlot[msg.Type] {
		b.releaseTask(msg.TaskID)
	}
	to := lifecycleStates[msg.Type]
	if _, err := b.tasks.UpdateState(ctx, msg.TaskID, to, msg.From.AgentID); err != nil {
		b.logger.Warn("task transition not applied",
			"task_id", msg.TaskID, "to", to, "message_id", msg.ID, "error", err)
	}
}
