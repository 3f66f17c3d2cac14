package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/bus"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/telegraph"
)

func newPublishCmd() *cobra.Command {
	var (
		configPath string
		in         protocol.Input
		msgType    string
		domain     string
		payload    string
		parent     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to the bus",
		Long: `Stores a message and routes it. With --to the message is delivered to the
named agents; without it the router picks an agent by --requires/--prefers.
Agents without an in-process handler receive it in their inbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			in.Type = protocol.MessageType(msgType)
			in.Domain = protocol.Domain(domain)
			in.Payload = raw
			if parent != "" {
				in.ParentTaskID = &parent
			}
			return publishOnce(cmd, configPath, func(ctx context.Context, b *bus.Bus) (*bus.PublishResult, error) {
				return b.Publish(ctx, in)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	f := cmd.Flags()
	f.StringVarP(&msgType, "type", "t", "", "message type, e.g. task.progress (required)")
	f.StringVar(&in.From, "from", "", "sender agent ID (required)")
	f.StringSliceVar(&in.To, "to", nil, "recipient agent IDs (comma-separated)")
	f.StringVar(&in.RunID, "run", "", "run ID")
	f.StringVar(&in.TaskID, "task", "", "task ID")
	f.StringVar(&in.ThreadID, "thread", "", "thread ID (defaults to the task ID)")
	f.StringVar(&parent, "parent", "", "parent task ID")
	f.StringVar(&domain, "domain", "", "message domain")
	f.StringVar(&payload, "payload", "", "JSON payload, @file to read a file, or - for stdin")
	f.StringSliceVar(&in.Requires, "requires", nil, "capabilities the recipient must have")
	f.StringSliceVar(&in.Prefers, "prefers", nil, "capabilities the recipient should have")
	f.StringVar(&in.IdempotencyKey, "idempotency-key", "", "key that makes republishing within the run a no-op")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("from")
	return cmd
}

// publishOnce runs one publish on a short-lived bus: it loads the agent
// directory, publishes, waits for routing and delivery, and reports what
// happened.
func publishOnce(cmd *cobra.Command, configPath string, publish func(context.Context, *bus.Bus) (*bus.PublishResult, error)) error {
	cfg, gormDB, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	var (
		mu    sync.Mutex
		lines []string
	)
	report := telegraph.NotifierFunc(func(_ context.Context, e telegraph.Event) error {
		switch e.Kind {
		case telegraph.KindRoutingDecision, telegraph.KindRoutingFailure,
			telegraph.KindMessageDelivered, telegraph.KindDeliveryFailed:
			mu.Lock()
			lines = append(lines, telegraph.Format(e).Text())
			mu.Unlock()
		}
		return nil
	})

	b, err := newBus(cfg, gormDB, cliLogger(cmd, cfg), nil, report)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := b.RefreshAgents(ctx); err != nil {
		b.Stop()
		return err
	}
	res, err := publish(ctx, b)
	b.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	m := res.Message
	if res.Duplicate {
		fmt.Fprintf(out, "Duplicate of %s (run %s, task %s)\n", m.ID, m.RunID, m.TaskID)
		return nil
	}
	fmt.Fprintf(out, "Published %s %s (run %s, task %s)\n", m.Type, m.ID, m.RunID, m.TaskID)
	for _, l := range lines {
		fmt.Fprintf(out, "  %s\n", l)
	}
	return nil
}

// readPayload returns the JSON payload given on the command line. "@path"
// reads a file and "-" reads stdin.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
