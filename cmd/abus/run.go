package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/bus"
	"github.com/zulandar/agentbus/internal/protocol"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run commands",
	}

	cmd.AddCommand(newRunCreateCmd())
	return cmd
}

func newRunCreateCmd() *cobra.Command {
	var (
		configPath string
		in         bus.CreateRunInput
		title      string
		domain     string
		payload    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a run with a root task request",
		Long:  "Publishes a task.request with fresh run, task and thread IDs and routes it by capability.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if raw, err = withTitle(raw, title); err != nil {
				return err
			}
			in.Payload = raw
			in.Domain = protocol.Domain(domain)
			return publishOnce(cmd, configPath, func(ctx context.Context, b *bus.Bus) (*bus.PublishResult, error) {
				return b.CreateRun(ctx, in)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	f := cmd.Flags()
	f.StringVar(&in.From, "from", "", "requesting agent ID (required)")
	f.StringSliceVar(&in.To, "to", nil, "assign directly to these agents instead of routing")
	f.StringVar(&title, "title", "", "task title")
	f.StringVar(&domain, "domain", "", "message domain")
	f.StringVar(&payload, "payload", "", "JSON payload, @file to read a file, or - for stdin")
	f.StringSliceVar(&in.Requires, "requires", nil, "capabilities the assignee must have")
	f.StringSliceVar(&in.Prefers, "prefers", nil, "capabilities the assignee should have")
	cmd.MarkFlagRequired("from")
	return cmd
}

// withTitle sets the "title" field of a JSON object payload.
func withTitle(payload json.RawMessage, title string) (json.RawMessage, error) {
	if title == "" {
		return payload, nil
	}
	obj := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, fmt.Errorf("--title needs a JSON object payload: %w", err)
		}
	}
	obj["title"] = title
	return json.Marshal(obj)
}
