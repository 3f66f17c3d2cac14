package messaging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/protocol"
)

// NotifyConfig controls local notifications for inbox deliveries.
type NotifyConfig struct {
	Command    string   // shell command template, e.g. `notify-send agentbus "{{.Type}} from {{.From}}"`
	Recipients []string // agents whose deliveries trigger the command
}

func (c NotifyConfig) shouldNotify(agentID string) bool {
	return slices.Contains(c.Recipients, agentID)
}

// Notify runs the configured command for a delivery. Best-effort: errors
// are logged, not returned.
func Notify(ctx context.Context, d *models.Delivery, msg *protocol.Message, cfg NotifyConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Command != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", templateMessage(cfg.Command))
		cmd.Env = append(os.Environ(), commandEnv(d, msg)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			logger.Warn("notify command failed", "agent_id", d.AgentID, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}

	// Inside tmux, also flash a status-line message.
	if os.Getenv("TMUX") != "" {
		text := msg.From.AgentID + " -> " + d.AgentID + ": " + string(msg.Type)
		if err := exec.CommandContext(ctx, "tmux", "display-message", text).Run(); err != nil {
			logger.Warn("tmux display-message failed", "error", err)
		}
	}
}

// Placeholders and the environment variables that carry their values.
// Values never become part of the command text, so a sender id cannot
// inject shell syntax.
var placeholders = []struct{ name, env string }{
	{"{{.ID}}", "ABUS_MESSAGE_ID"},
	{"{{.Type}}", "ABUS_TYPE"},
	{"{{.From}}", "ABUS_FROM"},
	{"{{.To}}", "ABUS_TO"},
	{"{{.RunID}}", "ABUS_RUN_ID"},
	{"{{.TaskID}}", "ABUS_TASK_ID"},
}

// templateMessage rewrites placeholders in the command template into
// parameter expansions. Quote them with double quotes; inside single
// quotes the shell does not expand them.
func templateMessage(command string) string {
	pairs := make([]string, 0, 2*len(placeholders))
	for _, p := range placeholders {
		pairs = append(pairs, p.name, "${"+p.env+"}")
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

func commandEnv(d *models.Delivery, msg *protocol.Message) []string {
	values := []string{msg.ID, string(msg.Type), msg.From.AgentID, d.AgentID, msg.RunID, msg.TaskID}
	env := make([]string, len(placeholders))
	for i, p := range placeholders {
		env[i] = p.env + "=" + values[i]
	}
	return env
}
