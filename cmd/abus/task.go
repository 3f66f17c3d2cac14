package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/task"
	"github.com/zulandar/agentbus/internal/taskstate"
	"gorm.io/gorm"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task record commands",
	}

	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskTransitionCmd())
	return cmd
}

func openTasks(cmd *cobra.Command, configPath string) (*task.Store, *gorm.DB, error) {
	_, gormDB, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := task.New(task.Opts{DB: gormDB})
	if err != nil {
		db.Close(gormDB)
		return nil, nil, err
	}
	return store, gormDB, nil
}

func newTaskShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, gormDB, err := openTasks(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			t, err := store.FindByTaskID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := store.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t, history)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printTask(out io.Writer, t *models.Task, history []models.TaskTransition) {
	fmt.Fprintf(out, "Task:     %s\n", t.ID)
	if t.Title != "" {
		fmt.Fprintf(out, "Title:    %s\n", t.Title)
	}
	fmt.Fprintf(out, "Run:      %s\n", t.RunID)
	if t.ParentTaskID != nil {
		fmt.Fprintf(out, "Parent:   %s\n", *t.ParentTaskID)
	}
	fmt.Fprintf(out, "State:    %s\n", t.State)
	if t.Assignee != "" {
		fmt.Fprintf(out, "Assignee: %s\n", t.Assignee)
	}
	fmt.Fprintf(out, "Created:  %s by %s\n", t.CreatedAt.Format(time.DateTime), t.CreatedBy)
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Closed:   %s\n", t.CompletedAt.Format(time.DateTime))
	}
	if len(history) == 0 {
		return
	}
	fmt.Fprintln(out, "\nHistory:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, h := range history {
		fmt.Fprintf(w, "  %s\t%s → %s\t%s\n", h.CreatedAt.Format(time.DateTime), h.FromState, h.ToState, h.Actor)
	}
	w.Flush()
}

func newTaskListCmd() *cobra.Command {
	var (
		configPath string
		filters    task.ListFilters
		state      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" {
				s, err := taskstate.Parse(state)
				if err != nil {
					return err
				}
				filters.State = s
			}
			store, gormDB, err := openTasks(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			tasks, err := store.List(cmd.Context(), filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tSTATE\tASSIGNEE\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.RunID, t.State, t.Assignee, truncate(t.Title, 50))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.RunID, "run", "", "filter by run ID")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&filters.Assignee, "assignee", "", "filter by assignee")
	return cmd
}

func newTaskTransitionCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		assignee   string
	)

	cmd := &cobra.Command{
		Use:   "transition <task-id> <state>",
		Short: "Move a task to a new state",
		Long:  "Applies one lifecycle transition. Disallowed transitions are rejected with the states reachable from the current one.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := taskstate.Parse(args[1])
			if err != nil {
				return err
			}
			if to == taskstate.Assigned && assignee == "" {
				return fmt.Errorf("--assignee is required to move a task to assigned")
			}
			store, gormDB, err := openTasks(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			var t *models.Task
			if to == taskstate.Assigned {
				t, err = store.Assign(cmd.Context(), args[0], assignee, actor)
			} else {
				t, err = store.UpdateState(cmd.Context(), args[0], to, actor)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", t.ID, t.State)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&actor, "actor", "cli", "who is making the change")
	cmd.Flags().StringVar(&assignee, "assignee", "", "agent to assign (for the assigned state)")
	return cmd
}
