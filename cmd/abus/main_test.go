package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/telegraph"
)

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "abus dev") {
		t.Errorf("expected output to contain 'abus dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	for _, want := range []string{"abus 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"agent", "db", "inbox", "publish", "replay", "run", "serve", "tail", "task"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing %q subcommand", sub)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig creates a config backed by a sqlite file in a temp dir with
// one configured agent, "coder".
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentbus.yaml")
	body := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
agents:
  - id: coder
    capabilities:
      - id: code
    limits:
      max_concurrency: 2
`, filepath.Join(dir, "bus.db"))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var (
	msgIDPattern  = regexp.MustCompile(`Published \S+ (msg_[0-9a-z]+)`)
	runIDPattern  = regexp.MustCompile(`run (run_[0-9a-z]+)`)
	taskIDPattern = regexp.MustCompile(`task (task_[0-9a-z]+)`)
)

func TestDBMigrate(t *testing.T) {
	cfg := writeConfig(t)
	out, err := runCLI(t, "db", "migrate", "-c", cfg)
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 6 tables") || !strings.Contains(out, "Seeded 1 agents: coder") {
		t.Errorf("output = %s", out)
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := runCLI(t, "agent", "list", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestAgentCommands(t *testing.T) {
	cfg := writeConfig(t)
	card := filepath.Join(t.TempDir(), "reviewer.yaml")
	os.WriteFile(card, []byte("id: reviewer\ncapabilities:\n  - id: review\n"), 0644)

	out, err := runCLI(t, "agent", "register", "-c", cfg, "-f", card)
	if err != nil {
		t.Fatalf("register: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Registered agent reviewer (review)") {
		t.Errorf("register output = %s", out)
	}

	out, err = runCLI(t, "agent", "list", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "reviewer") || !strings.Contains(out, "online") {
		t.Errorf("list output = %s", out)
	}

	if out, err := runCLI(t, "agent", "heartbeat", "-c", cfg, "reviewer"); err != nil {
		t.Errorf("heartbeat: %v\n%s", err, out)
	}
	if out, err := runCLI(t, "agent", "remove", "-c", cfg, "reviewer"); err != nil || !strings.Contains(out, "Removed agent reviewer") {
		t.Errorf("remove: %v\n%s", err, out)
	}
	if _, err := runCLI(t, "agent", "remove", "-c", cfg, "reviewer"); err == nil {
		t.Error("removing a missing agent should fail")
	}
}

func TestAgentRegister_InvalidCard(t *testing.T) {
	cfg := writeConfig(t)
	card := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(card, []byte("name: no id\n"), 0644)
	if _, err := runCLI(t, "agent", "register", "-c", cfg, "-f", card); err == nil {
		t.Error("expected validation error")
	}
}

func TestRunCreate_RoutesToInbox(t *testing.T) {
	cfg := writeConfig(t)
	if out, err := runCLI(t, "db", "migrate", "-c", cfg); err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}

	out, err := runCLI(t, "run", "create", "-c", cfg, "--from", "planner", "--requires", "code", "--title", "Parse config")
	if err != nil {
		t.Fatalf("run create: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Routed") || !strings.Contains(out, "Delivered task.request to coder") {
		t.Errorf("run create output = %s", out)
	}
	msgID := match(t, msgIDPattern, out)
	runID := match(t, runIDPattern, out)
	taskID := match(t, taskIDPattern, out)

	out, err = runCLI(t, "inbox", "-c", cfg, "--agent", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, msgID) || !strings.Contains(out, "task.request") {
		t.Errorf("inbox output = %s", out)
	}

	out, err = runCLI(t, "task", "show", "-c", cfg, taskID)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Title:    Parse config", "State:    assigned", "Assignee: coder", "created → assigned"} {
		if !strings.Contains(out, want) {
			t.Errorf("task show missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "task", "transition", "-c", cfg, "--actor", "coder", taskID, "running")
	if err != nil || !strings.Contains(out, "is now running") {
		t.Errorf("transition: %v\n%s", err, out)
	}
	out, err = runCLI(t, "task", "transition", "-c", cfg, taskID, "done")
	if err == nil || !strings.Contains(out, "invalid") {
		t.Errorf("running → done should be rejected: %v\n%s", err, out)
	}

	out, err = runCLI(t, "replay", "-c", cfg, "--run", runID)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"type":"task.request"`) || !strings.Contains(lines[1], `"type":"routing.decision"`) {
		t.Errorf("replay output = %s", out)
	}

	if out, err := runCLI(t, "ack", "-c", cfg, "--agent", "coder", msgID); err != nil || !strings.Contains(out, "Acknowledged "+msgID) {
		t.Errorf("ack: %v\n%s", err, out)
	}
	out, _ = runCLI(t, "inbox", "-c", cfg, "--agent", "coder")
	if !strings.Contains(out, "No messages for coder") {
		t.Errorf("inbox after ack = %s", out)
	}
}

func match(t *testing.T, re *regexp.Regexp, s string) string {
	t.Helper()
	m := re.FindStringSubmatch(s)
	if m == nil {
		t.Fatalf("%s not found in:\n%s", re, s)
	}
	return m[1]
}

func TestPublish(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "publish", "-c", cfg, "--type", "chat.message", "--from", "planner")
	if err == nil || !strings.Contains(out, "task_id") {
		t.Errorf("chat without task: %v\n%s", err, out)
	}

	args := []string{"publish", "-c", cfg, "--type", "task.progress", "--from", "coder", "--to", "planner",
		"--run", "run_1", "--task", "task_1", "--payload", `{"pct":50}`, "--idempotency-key", "p-50"}
	out, err = runCLI(t, args...)
	if err != nil || !strings.Contains(out, "Published task.progress") {
		t.Fatalf("publish: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Delivery of") {
		t.Errorf("unknown recipient should report a failed delivery:\n%s", out)
	}
	out, err = runCLI(t, args...)
	if err != nil || !strings.Contains(out, "Duplicate of") {
		t.Errorf("republish: %v\n%s", err, out)
	}

	if _, err := runCLI(t, "publish", "-c", cfg, "--type", "task.progress", "--from", "coder",
		"--run", "run_1", "--task", "task_1", "--payload", "{not json"); err == nil {
		t.Error("expected invalid payload error")
	}
}

func TestReadPayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.json")
	os.WriteFile(file, []byte(`{"a":1}`), 0644)

	tests := []struct {
		arg     string
		stdin   string
		want    string
		wantErr bool
	}{
		{"", "", "", false},
		{`{"x":true}`, "", `{"x":true}`, false},
		{"@" + file, "", `{"a":1}`, false},
		{"-", `[1,2]`, `[1,2]`, false},
		{"nope", "", "", true},
		{"@/does/not/exist", "", "", true},
	}
	for _, tt := range tests {
		got, err := readPayload(tt.arg, strings.NewReader(tt.stdin))
		if (err != nil) != tt.wantErr {
			t.Errorf("readPayload(%q) err = %v", tt.arg, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("readPayload(%q) = %s, want %s", tt.arg, got, tt.want)
		}
	}
}

func TestWithTitle(t *testing.T) {
	got, err := withTitle([]byte(`{"goal":"x"}`), "Build it")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"goal":"x","title":"Build it"}` {
		t.Errorf("got %s", got)
	}
	if got, _ := withTitle(nil, "T"); string(got) != `{"title":"T"}` {
		t.Errorf("empty payload: %s", got)
	}
	if _, err := withTitle([]byte(`[1]`), "T"); err == nil {
		t.Error("array payload should be rejected")
	}
	if got, _ := withTitle([]byte(`[1]`), ""); string(got) != `[1]` {
		t.Errorf("no title changed payload: %s", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 0, "hello"},
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"héllo", 2, "hé"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRunTail_ShowsBacklog(t *testing.T) {
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	store, err := eventstore.New(eventstore.Opts{DB: gdb})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var last string
	for i := 0; i < 12; i++ {
		run := "run_a"
		if i%4 == 3 {
			run = "run_b"
		}
		m, err := protocol.CreateMessage(protocol.Input{
			Type: protocol.TypeTaskProgress, From: "coder", RunID: run, TaskID: "task_1",
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
		if run == "run_a" {
			last = m.ID
		}
	}

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	err = runTail(tctx, &buf, store, tailOpts{
		filter:   eventstore.Filter{RunID: "run_a"},
		interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runTail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 9 {
		t.Fatalf("got %d lines, want the 9 run_a messages", len(lines))
	}
	if strings.Contains(buf.String(), "run_b") {
		t.Error("filter leaked run_b")
	}
	if !strings.Contains(lines[len(lines)-1], last) {
		t.Errorf("last line = %s, want %s", lines[len(lines)-1], last)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunTail_PicksUpLateCommits(t *testing.T) {
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	store, _ := eventstore.New(eventstore.Opts{DB: gdb})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m, _ := protocol.CreateMessage(protocol.Input{Type: protocol.TypeTaskProgress, From: "a", RunID: "r", TaskID: "t"})
		if _, err := store.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}
	// Take the middle row out so it looks uncommitted to the first poll.
	var late models.Event
	if err := gdb.Where("id = ?", ids[1]).First(&late).Error; err != nil {
		t.Fatal(err)
	}
	if err := gdb.Where("id = ?", ids[1]).Delete(&models.Event{}).Error; err != nil {
		t.Fatal(err)
	}

	tctx, cancel := context.WithCancel(ctx)
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runTail(tctx, out, store, tailOpts{interval: 10 * time.Millisecond, json: true})
	}()

	waitLines := func(n int) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for strings.Count(out.String(), "\n") < n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d lines:\n%s", n, out.String())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitLines(2)
	if err := gdb.Create(&late).Error; err != nil {
		t.Fatal(err)
	}
	waitLines(3)
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runTail: %v", err)
	}

	got := out.String()
	for _, id := range ids {
		if n := strings.Count(got, id); n != 1 {
			t.Errorf("%s printed %d times:\n%s", id, n, got)
		}
	}
}

func TestTailStart_SkipsToBacklog(t *testing.T) {
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	store, _ := eventstore.New(eventstore.Opts{DB: gdb})
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		m, _ := protocol.CreateMessage(protocol.Input{Type: protocol.TypeTaskProgress, From: "a", RunID: "r", TaskID: "t"})
		store.Append(ctx, m)
	}
	seq, err := tailStart(ctx, store, eventstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.After(ctx, seq, eventstore.Filter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != tailBacklog {
		t.Errorf("backlog = %d, want %d", len(recs), tailBacklog)
	}
}

func TestBuildNotifier(t *testing.T) {
	hub := telegraph.NewHub()
	m, err := buildNotifier(config.NotifyConfig{}, nil, nil, hub)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Errorf("sinks = %d, want hub only", m.Len())
	}

	m, err = buildNotifier(config.NotifyConfig{
		Slack:   config.ChatConfig{Token: "xoxb-test", Channel: "C1"},
		Discord: config.ChatConfig{Token: "test", Channel: "123"},
	}, nil, nil, hub)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 3 {
		t.Errorf("sinks = %d, want hub, slack and discord", m.Len())
	}
}
