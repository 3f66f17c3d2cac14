package telegraph

import (
	"fmt"
	"strings"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// FormattedEvent is an Event rendered for display in chat.
type FormattedEvent struct {
	Title    string  // event headline (e.g. "Task task_01 done")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// taskStateVerb returns a human-friendly verb for a task state.
func taskStateVerb(state string) string {
	switch state {
	case "created":
		return "reopened"
	case "assigned":
		return "assigned"
	case "running":
		return "started"
	case "review":
		return "sent to review"
	case "rework":
		return "sent back for rework"
	case "done":
		return "completed"
	case "failed":
		return "failed"
	case "cancelled":
		return "cancelled"
	default:
		return state
	}
}

func taskStateSeverity(state string) string {
	switch state {
	case "done":
		return "success"
	case "failed":
		return "error"
	case "rework":
		return "warning"
	default:
		return "info"
	}
}

// Format renders e for chat.
func Format(e Event) FormattedEvent {
	var f FormattedEvent
	switch e.Kind {
	case KindTaskTransition:
		f.Title = fmt.Sprintf("Task %s %s", e.TaskID, taskStateVerb(e.To))
		if e.From != "" {
			f.Body = fmt.Sprintf("%s → %s", e.From, e.To)
		}
		f.Severity = taskStateSeverity(e.To)
	case KindRoutingFailure:
		f.Title = fmt.Sprintf("Routing failed for %s", e.MessageID)
		f.Body = e.Reason
		f.Severity = "error"
	case KindRoutingDecision:
		f.Title = fmt.Sprintf("Routed %s to %s", e.MessageID, e.AgentID)
		f.Body = e.Reason
		f.Severity = "info"
	case KindDeliveryFailed:
		f.Title = fmt.Sprintf("Delivery of %s to %s failed", e.MessageID, e.AgentID)
		f.Body = e.Reason
		f.Severity = "warning"
	case KindMessageDelivered:
		f.Title = fmt.Sprintf("Delivered %s to %s", e.Type, e.AgentID)
		f.Severity = "info"
	default:
		f.Title = fmt.Sprintf("%s %s", e.Kind, e.MessageID)
		f.Severity = "info"
	}
	f.Title = strings.TrimSpace(f.Title)
	f.Color = severityColor(f.Severity)

	if e.RunID != "" {
		f.Fields = append(f.Fields, Field{Name: "Run", Value: e.RunID, Short: true})
	}
	if e.TaskID != "" && e.Kind != KindTaskTransition {
		f.Fields = append(f.Fields, Field{Name: "Task", Value: e.TaskID, Short: true})
	}
	if e.AgentID != "" && e.Kind == KindTaskTransition {
		f.Fields = append(f.Fields, Field{Name: "Agent", Value: e.AgentID, Short: true})
	}
	return f
}

// Text is the plain-text fallback of a formatted event.
func (f FormattedEvent) Text() string {
	if f.Body == "" {
		return f.Title
	}
	return f.Title + ": " + f.Body
}
