package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/protocol"
)

func testStore(t *testing.T, pageSize int) *Store {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := New(Opts{DB: gdb, PageSize: pageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func newMsg(t *testing.T, in protocol.Input) *protocol.Message {
	t.Helper()
	if in.Type == "" {
		in.Type = protocol.TypeChatMessage
	}
	if in.From == "" {
		in.From = "alice"
	}
	if in.RunID == "" {
		in.RunID = "run_1"
	}
	if in.TaskID == "" {
		in.TaskID = "task_1"
	}
	m, err := protocol.CreateMessage(in)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func mustAppend(t *testing.T, s *Store, m *protocol.Message) *Record {
	t.Helper()
	rec, err := s.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return rec
}

func ids(msgs []*protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAppend_AssignsIncreasingSeq(t *testing.T) {
	s := testStore(t, 0)
	var last uint64
	for i := 0; i < 3; i++ {
		rec := mustAppend(t, s, newMsg(t, protocol.Input{}))
		if rec.Seq <= last {
			t.Fatalf("seq %d not greater than %d", rec.Seq, last)
		}
		if rec.StoredAt.IsZero() || rec.Duplicate {
			t.Errorf("record = %+v", rec)
		}
		last = rec.Seq
	}
}

func TestAppend_IdempotentByID(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	m := newMsg(t, protocol.Input{})
	first := mustAppend(t, s, m)

	sub := s.Subscribe(ctx, Filter{})
	defer sub.Close()

	second := mustAppend(t, s, m)
	if !second.Duplicate || second.Seq != first.Seq {
		t.Errorf("second append = %+v, want duplicate of seq %d", second, first.Seq)
	}
	n, err := s.Count(ctx, Filter{})
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1", n, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if got, err := sub.Next(waitCtx); err == nil {
		t.Errorf("duplicate append notified subscriber with %s", got.ID)
	}
}

func TestAppend_RequiresID(t *testing.T) {
	s := testStore(t, 0)
	if _, err := s.Append(context.Background(), &protocol.Message{}); err == nil {
		t.Fatal("expected error for message without id")
	}
}

func TestAppendIdempotent_ByRunAndKey(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	first, err := s.AppendIdempotent(ctx, newMsg(t, protocol.Input{IdempotencyKey: "k1"}))
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.AppendIdempotent(ctx, newMsg(t, protocol.Input{IdempotencyKey: "k1"}))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Message.ID != first.Message.ID {
		t.Errorf("same key in same run should return the original, got %+v", again)
	}

	other, err := s.AppendIdempotent(ctx, newMsg(t, protocol.Input{RunID: "run_2", IdempotencyKey: "k1"}))
	if err != nil {
		t.Fatal(err)
	}
	if other.Duplicate {
		t.Error("same key in a different run is not a duplicate")
	}

	dup, err := s.IsDuplicate(ctx, "run_1", "k1")
	if err != nil || !dup {
		t.Errorf("IsDuplicate(run_1,k1) = %v, %v", dup, err)
	}
	dup, _ = s.IsDuplicate(ctx, "run_1", "k2")
	if dup {
		t.Error("IsDuplicate(run_1,k2) = true")
	}
	dup, _ = s.IsDuplicate(ctx, "run_1", "")
	if dup {
		t.Error("empty key must never be a duplicate")
	}

	found, err := s.FindByIdempotencyKey(ctx, "run_1", "k1")
	if err != nil || found.ID != first.Message.ID {
		t.Errorf("FindByIdempotencyKey = %v, %v", found, err)
	}
	if _, err := s.FindByIdempotencyKey(ctx, "run_1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key err = %v, want ErrNotFound", err)
	}
}

func TestAppend_PlainAppendIgnoresKey(t *testing.T) {
	s := testStore(t, 0)
	mustAppend(t, s, newMsg(t, protocol.Input{IdempotencyKey: "k"}))
	rec := mustAppend(t, s, newMsg(t, protocol.Input{IdempotencyKey: "k"}))
	if rec.Duplicate {
		t.Error("Append should only dedupe by message id")
	}
}

func TestGet_RoundTrip(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	parent := "task_0"
	m := newMsg(t, protocol.Input{
		ParentTaskID: &parent,
		To:           []string{"bob", "carol"},
		Domain:       protocol.DomainCode,
		PayloadType:  "text",
		Payload:      json.RawMessage(`{"text":"hi"}`),
		Requires:     []string{"coding"},
		Meta:         map[string]any{"cost": 1.5},
	})
	mustAppend(t, s, m)

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != m.ID || got.Type != m.Type || got.Domain != protocol.DomainCode {
		t.Errorf("got = %+v", got)
	}
	if got.ParentTaskID == nil || *got.ParentTaskID != "task_0" {
		t.Errorf("ParentTaskID = %v", got.ParentTaskID)
	}
	if len(got.To) != 2 || got.To[1].AgentID != "carol" {
		t.Errorf("To = %v", got.To)
	}
	if string(got.Payload) != `{"text":"hi"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, m.Timestamp)
	}
	if got.Meta["cost"] != 1.5 {
		t.Errorf("Meta = %v", got.Meta)
	}

	ok, err := s.Exists(ctx, m.ID)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	ok, _ = s.Exists(ctx, "msg_missing")
	if ok {
		t.Error("Exists(missing) = true")
	}
	if _, err := s.Get(ctx, "msg_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
	rec, err := s.GetRecord(ctx, m.ID)
	if err != nil || rec.Seq == 0 {
		t.Errorf("GetRecord = %+v, %v", rec, err)
	}
}

func TestQueries(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m1 := newMsg(t, protocol.Input{Timestamp: base, Type: protocol.TypeTaskRequest, From: "alice", ThreadID: "thr_a", TaskID: "task_a"})
	m2 := newMsg(t, protocol.Input{Timestamp: base.Add(time.Minute), From: "bob", To: []string{"alice"}, ThreadID: "thr_a", TaskID: "task_a"})
	m3 := newMsg(t, protocol.Input{Timestamp: base.Add(2 * time.Minute), From: "carol", To: []string{"bob"}, ThreadID: "thr_b", TaskID: "task_b"})
	m4 := newMsg(t, protocol.Input{Timestamp: base.Add(3 * time.Minute), RunID: "run_2", From: "alice"})
	for _, m := range []*protocol.Message{m1, m2, m3, m4} {
		mustAppend(t, s, m)
	}

	tests := []struct {
		name string
		get  func() ([]*protocol.Message, error)
		want []string
	}{
		{"run asc", func() ([]*protocol.Message, error) { return s.GetByRunID(ctx, "run_1", QueryOptions{}) }, []string{m1.ID, m2.ID, m3.ID}},
		{"run desc", func() ([]*protocol.Message, error) {
			return s.GetByRunID(ctx, "run_1", QueryOptions{Order: OrderDesc})
		}, []string{m3.ID, m2.ID, m1.ID}},
		{"run paged", func() ([]*protocol.Message, error) {
			return s.GetByRunID(ctx, "run_1", QueryOptions{Offset: 1, Limit: 1})
		}, []string{m2.ID}},
		{"run types", func() ([]*protocol.Message, error) {
			return s.GetByRunID(ctx, "run_1", QueryOptions{Types: []protocol.MessageType{protocol.TypeTaskRequest}})
		}, []string{m1.ID}},
		{"run since/until", func() ([]*protocol.Message, error) {
			return s.GetByRunID(ctx, "run_1", QueryOptions{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
		}, []string{m2.ID}},
		{"thread", func() ([]*protocol.Message, error) { return s.GetByThreadID(ctx, "thr_a", QueryOptions{}) }, []string{m1.ID, m2.ID}},
		{"task", func() ([]*protocol.Message, error) { return s.GetByTaskID(ctx, "task_b", QueryOptions{}) }, []string{m3.ID}},
		{"type", func() ([]*protocol.Message, error) {
			return s.GetByType(ctx, protocol.TypeChatMessage, QueryOptions{})
		}, []string{m2.ID, m3.ID, m4.ID}},
		{"agent sender or recipient", func() ([]*protocol.Message, error) {
			return s.GetByAgentID(ctx, "alice", QueryOptions{})
		}, []string{m1.ID, m2.ID, m4.ID}},
		{"agent with run types", func() ([]*protocol.Message, error) {
			return s.GetByAgentID(ctx, "bob", QueryOptions{Types: []protocol.MessageType{protocol.TypeChatMessage}})
		}, []string{m2.ID, m3.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.get()
			if err != nil {
				t.Fatal(err)
			}
			if !equalIDs(ids(got), tt.want) {
				t.Errorf("got %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestCount(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	mustAppend(t, s, newMsg(t, protocol.Input{From: "alice", To: []string{"bob"}}))
	mustAppend(t, s, newMsg(t, protocol.Input{From: "bob", Type: protocol.TypeTaskProgress}))
	mustAppend(t, s, newMsg(t, protocol.Input{RunID: "run_2", From: "carol"}))

	tests := []struct {
		f    Filter
		want int64
	}{
		{Filter{}, 3},
		{Filter{RunID: "run_1"}, 2},
		{Filter{AgentID: "bob"}, 2},
		{Filter{AgentID: "bob", Types: []protocol.MessageType{protocol.TypeTaskProgress}}, 1},
		{Filter{TaskID: "task_1", RunID: "run_2"}, 1},
		{Filter{ThreadID: "nope"}, 0},
	}
	for _, tt := range tests {
		n, err := s.Count(ctx, tt.f)
		if err != nil {
			t.Fatal(err)
		}
		if n != tt.want {
			t.Errorf("Count(%+v) = %d, want %d", tt.f, n, tt.want)
		}
	}
}

func TestReplayRun_PagesInSeqOrder(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		m := newMsg(t, protocol.Input{Payload: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))})
		mustAppend(t, s, m)
		want = append(want, m.ID)
		mustAppend(t, s, newMsg(t, protocol.Input{RunID: "run_other"}))
	}

	for pass := 0; pass < 2; pass++ {
		var got []string
		for m, err := range s.ReplayRun(ctx, "run_1") {
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, m.ID)
		}
		if !equalIDs(got, want) {
			t.Fatalf("pass %d: replay = %v, want %v", pass, got, want)
		}
	}
}

func TestReplayRun_StopsEarly(t *testing.T) {
	s := testStore(t, 2)
	for i := 0; i < 4; i++ {
		mustAppend(t, s, newMsg(t, protocol.Input{}))
	}
	n := 0
	for _, err := range s.ReplayRun(context.Background(), "run_1") {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("n = %d", n)
	}
}

func TestReplayRun_EmptyRun(t *testing.T) {
	s := testStore(t, 0)
	for range s.ReplayRun(context.Background(), "run_none") {
		t.Fatal("empty run yielded a message")
	}
}

func TestAppend_ConcurrentKeepsSeqOrder(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	msgs := make([]*protocol.Message, 20)
	for i := range msgs {
		msgs[i] = newMsg(t, protocol.Input{})
	}

	var wg sync.WaitGroup
	seqByID := sync.Map{}
	for _, m := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.Append(ctx, m)
			if err != nil {
				t.Error(err)
				return
			}
			seqByID.Store(m.ID, rec.Seq)
		}()
	}
	wg.Wait()

	var last uint64
	count := 0
	for m, err := range s.ReplayRun(ctx, "run_1") {
		if err != nil {
			t.Fatal(err)
		}
		v, ok := seqByID.Load(m.ID)
		if !ok {
			t.Fatalf("unknown message %s", m.ID)
		}
		seq := v.(uint64)
		if seq <= last {
			t.Fatalf("replay out of seq order: %d after %d", seq, last)
		}
		last = seq
		count++
	}
	if count != 20 {
		t.Errorf("replayed %d, want 20", count)
	}
}

func TestAfter_FollowsCursor(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	a := mustAppend(t, s, newMsg(t, protocol.Input{}))
	mustAppend(t, s, newMsg(t, protocol.Input{RunID: "run_2"}))
	c := mustAppend(t, s, newMsg(t, protocol.Input{}))

	recs, err := s.After(ctx, 0, Filter{RunID: "run_1"}, 0)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(recs) != 2 || recs[0].Seq != a.Seq || recs[1].Seq != c.Seq {
		t.Fatalf("After(0) = %+v", recs)
	}

	recs, _ = s.After(ctx, a.Seq, Filter{}, 1)
	if len(recs) != 1 || recs[0].Seq != a.Seq+1 {
		t.Errorf("After(%d, limit 1) = %+v", a.Seq, recs)
	}

	recs, _ = s.After(ctx, c.Seq, Filter{}, 0)
	if len(recs) != 0 {
		t.Errorf("After(last) = %d records", len(recs))
	}
}
