package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/taskstate"
)

func testStore(t *testing.T) (*Store, *taskstate.Machine) {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := taskstate.NewMachine()
	s, err := New(Opts{DB: gdb, Machine: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, m
}

func mustCreate(t *testing.T, s *Store, opts CreateOpts) *models.Task {
	t.Helper()
	if opts.RunID == "" {
		opts.RunID = "run_1"
	}
	tk, err := s.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestCreate(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateOpts{Title: "write parser", CreatedBy: "alice"})
	if tk.State != "created" {
		t.Errorf("State = %q, want created", tk.State)
	}
	if len(tk.ID) < 6 || tk.ID[:5] != "task_" {
		t.Errorf("ID = %q, want generated task_ id", tk.ID)
	}

	got, err := s.FindByTaskID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("FindByTaskID: %v", err)
	}
	if got.Title != "write parser" || got.CreatedBy != "alice" || got.RunID != "run_1" {
		t.Errorf("got = %+v", got)
	}
}

func TestCreate_Errors(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, CreateOpts{ID: "task_x"}); err == nil {
		t.Error("missing run id should fail")
	}
	mustCreate(t, s, CreateOpts{ID: "task_x"})
	if _, err := s.Create(ctx, CreateOpts{ID: "task_x", RunID: "run_1"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}
}

func TestFindByTaskID_NotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.FindByTaskID(context.Background(), "task_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateState_HappyPath(t *testing.T) {
	s, m := testStore(t)
	ctx := context.Background()
	events, unsub := m.Subscribe(16)
	defer unsub()

	tk := mustCreate(t, s, CreateOpts{ID: "task_1"})
	if _, err := s.Assign(ctx, tk.ID, "coder", "router"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	steps := []taskstate.State{taskstate.Running, taskstate.Review, taskstate.Done}
	var last *models.Task
	for _, to := range steps {
		var err error
		last, err = s.UpdateState(ctx, tk.ID, to, "coder")
		if err != nil {
			t.Fatalf("UpdateState(%s): %v", to, err)
		}
	}
	if last.State != "done" || last.Assignee != "coder" {
		t.Errorf("final = %+v", last)
	}
	if last.AssignedAt == nil || last.CompletedAt == nil {
		t.Errorf("timestamps not set: assigned=%v completed=%v", last.AssignedAt, last.CompletedAt)
	}

	hist, err := s.History(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 4 || hist[0].FromState != "created" || hist[0].ToState != "assigned" || hist[3].ToState != "done" {
		t.Errorf("history = %+v", hist)
	}

	for i, want := range append([]taskstate.State{taskstate.Assigned}, steps...) {
		select {
		case tr := <-events:
			if tr.To != want || tr.TaskID != "task_1" || tr.RunID != "run_1" {
				t.Errorf("event %d = %+v, want to=%s", i, tr, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transition event %d", i)
		}
	}
}

func TestUpdateState_InvalidDoesNotMutate(t *testing.T) {
	s, m := testStore(t)
	ctx := context.Background()
	events, unsub := m.Subscribe(4)
	defer unsub()

	tk := mustCreate(t, s, CreateOpts{})
	_, err := s.UpdateState(ctx, tk.ID, taskstate.Done, "alice")
	var ite *taskstate.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}

	got, _ := s.FindByTaskID(ctx, tk.ID)
	if got.State != "created" {
		t.Errorf("State = %q after rejected transition", got.State)
	}
	hist, _ := s.History(ctx, tk.ID)
	if len(hist) != 0 {
		t.Errorf("history written for rejected transition: %+v", hist)
	}
	select {
	case tr := <-events:
		t.Errorf("rejected transition notified: %+v", tr)
	default:
	}
}

func TestUpdateState_TerminalStates(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, CreateOpts{})
	if _, err := s.UpdateState(ctx, tk.ID, taskstate.Cancelled, "alice"); err != nil {
		t.Fatal(err)
	}
	for _, to := range []taskstate.State{taskstate.Created, taskstate.Assigned, taskstate.Running} {
		if _, err := s.UpdateState(ctx, tk.ID, to, "alice"); err == nil {
			t.Errorf("cancelled → %s allowed", to)
		}
	}
}

func TestUpdateState_RejectClearsAssignee(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, CreateOpts{})
	if _, err := s.Assign(ctx, tk.ID, "coder", "router"); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdateState(ctx, tk.ID, taskstate.Created, "coder")
	if err != nil {
		t.Fatal(err)
	}
	if got.Assignee != "" || got.AssignedAt != nil {
		t.Errorf("assignment kept after reject: %+v", got)
	}
}

func TestUpdateState_NotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.UpdateState(context.Background(), "task_missing", taskstate.Assigned, "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, CreateOpts{ID: "task_a"})
	mustCreate(t, s, CreateOpts{ID: "task_b"})
	mustCreate(t, s, CreateOpts{ID: "task_c", RunID: "run_2"})
	if _, err := s.Assign(ctx, a.ID, "coder", "router"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		filters ListFilters
		want    []string
	}{
		{"by run", ListFilters{RunID: "run_1"}, []string{"task_a", "task_b"}},
		{"by state", ListFilters{State: taskstate.Created}, []string{"task_b", "task_c"}},
		{"by assignee", ListFilters{Assignee: "coder"}, []string{"task_a"}},
		{"all", ListFilters{}, []string{"task_a", "task_b", "task_c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filters)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	byRun, err := s.ListByRun(ctx, "run_2")
	if err != nil || len(byRun) != 1 {
		t.Errorf("ListByRun = %v, %v", byRun, err)
	}
}
