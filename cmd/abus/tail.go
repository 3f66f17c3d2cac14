package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/protocol"
)

const (
	tailBacklog = 10
	tailRewind  = 100
	tailPage    = 500
)

type tailOpts struct {
	filter   eventstore.Filter
	interval time.Duration
	json     bool
}

func newTailCmd() *cobra.Command {
	var (
		configPath string
		opts       tailOpts
		types      []string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow messages as they are stored",
		Long: `Shows the most recent messages, then polls the event store for new ones
until interrupted. Works against the database, so it sees messages published
by any process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range types {
				opts.filter.Types = append(opts.filter.Types, protocol.MessageType(t))
			}
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			store, err := eventstore.New(eventstore.Opts{DB: gormDB})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runTail(ctx, cmd.OutOrStdout(), store, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	f := cmd.Flags()
	f.StringVar(&opts.filter.RunID, "run", "", "only this run")
	f.StringVar(&opts.filter.TaskID, "task", "", "only this task")
	f.StringVar(&opts.filter.AgentID, "agent", "", "only messages from or to this agent")
	f.StringSliceVar(&types, "type", nil, "only these message types")
	f.DurationVar(&opts.interval, "interval", time.Second, "poll interval")
	f.BoolVar(&opts.json, "json", false, "print JSON even on a terminal")
	return cmd
}

// runTail prints the backlog and then every new matching record until ctx
// ends.
func runTail(ctx context.Context, out io.Writer, store *eventstore.Store, opts tailOpts) error {
	human := !opts.json && isTerminal(out)
	width := terminalWidth(out)
	if opts.interval <= 0 {
		opts.interval = time.Second
	}

	emit := func(rec *eventstore.Record) error {
		if human {
			printMessage(out, rec.Seq, rec.Message, width)
			return nil
		}
		return printJSON(out, rec.Message)
	}

	floor, err := tailStart(ctx, store, opts.filter)
	if err != nil {
		return err
	}
	f := follower{floor: floor, cursor: floor, seen: make(map[uint64]bool)}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		if err := f.poll(ctx, store, opts.filter, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var pe *pollError
			if !errors.As(err, &pe) {
				return err
			}
			fmt.Fprintf(out, "poll error: %v\n", pe.err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type pollError struct{ err error }

func (e *pollError) Error() string { return e.err.Error() }

// follower tracks what tail has printed. Each poll re-reads the last
// tailRewind seqs below the cursor: on MySQL, auto-increment ids from
// concurrent writers can commit out of order, so a lower seq may appear
// after a higher one was already seen.
type follower struct {
	floor  uint64 // backlog start; nothing at or below is printed
	cursor uint64 // highest seq printed
	seen   map[uint64]bool
}

func (f *follower) poll(ctx context.Context, store *eventstore.Store, filter eventstore.Filter, emit func(*eventstore.Record) error) error {
	after := f.floor
	if f.cursor > f.floor+tailRewind {
		after = f.cursor - tailRewind
	}
	for {
		recs, err := store.After(ctx, after, filter, tailPage)
		if err != nil {
			return &pollError{err}
		}
		for _, rec := range recs {
			after = rec.Seq
			if f.seen[rec.Seq] {
				continue
			}
			if err := emit(rec); err != nil {
				return err
			}
			f.seen[rec.Seq] = true
			f.cursor = max(f.cursor, rec.Seq)
		}
		if len(recs) < tailPage {
			break
		}
	}
	for seq := range f.seen {
		if seq+tailRewind < f.cursor {
			delete(f.seen, seq)
		}
	}
	return nil
}

// tailStart returns the seq to follow from so that the last tailBacklog
// matching records are shown first.
func tailStart(ctx context.Context, store *eventstore.Store, f eventstore.Filter) (uint64, error) {
	n, err := store.Count(ctx, f)
	if err != nil {
		return 0, err
	}
	if n <= tailBacklog {
		return 0, nil
	}
	var seq uint64
	skip := n - tailBacklog
	for skip > 0 {
		recs, err := store.After(ctx, seq, f, int(min(skip, 500)))
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			break
		}
		seq = recs[len(recs)-1].Seq
		skip -= int64(len(recs))
	}
	return seq, nil
}
