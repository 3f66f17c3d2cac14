package agentdir

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/registry"
	"gorm.io/gorm"
)

func testDir(t *testing.T) (*Directory, *gorm.DB) {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(gdb, nil), gdb
}

func card(id string, caps ...string) registry.AgentCard {
	c := registry.AgentCard{ID: id, Limits: registry.Limits{MaxConcurrency: 2}}
	for _, cp := range caps {
		c.Capabilities = append(c.Capabilities, registry.Capability{ID: cp, Tools: []string{"git"}})
	}
	return c
}

func TestUpsertAndList(t *testing.T) {
	d, _ := testDir(t)
	ctx := context.Background()
	if err := d.Upsert(ctx, card("coder", "coding")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := d.Upsert(ctx, card("reviewer", "review")); err != nil {
		t.Fatal(err)
	}
	if err := d.Upsert(ctx, card("coder", "coding", "typescript")); err != nil {
		t.Fatal(err)
	}

	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Card.ID != "coder" || entries[1].Card.ID != "reviewer" {
		t.Errorf("order = %s, %s", entries[0].Card.ID, entries[1].Card.ID)
	}
	if got := entries[0].Card.CapabilityIDs(); len(got) != 2 || got[1] != "typescript" {
		t.Errorf("capabilities = %v, want updated card", got)
	}
	if entries[0].Status != registry.StatusOnline || entries[0].LastSeen.IsZero() {
		t.Errorf("entry = %+v", entries[0])
	}
	if tools := entries[0].Card.Capabilities[0].Tools; len(tools) != 1 || tools[0] != "git" {
		t.Errorf("tools lost in round trip: %v", tools)
	}
}

func TestUpsert_RejectsInvalidCard(t *testing.T) {
	d, _ := testDir(t)
	if err := d.Upsert(context.Background(), registry.AgentCard{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestList_SkipsBadCards(t *testing.T) {
	d, gdb := testDir(t)
	ctx := context.Background()
	d.Upsert(ctx, card("good", "coding"))
	gdb.Create(&models.Agent{ID: "bad", Card: "{not json", RegisteredAt: time.Now(), LastActivity: time.Now()})

	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Card.ID != "good" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestGetAndRemove(t *testing.T) {
	d, _ := testDir(t)
	ctx := context.Background()
	d.Upsert(ctx, card("coder", "coding"))

	e, err := d.Get(ctx, "coder")
	if err != nil || e.Card.ID != "coder" {
		t.Fatalf("Get = %+v, %v", e, err)
	}
	if err := d.Remove(ctx, "coder"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx, "coder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove = %v", err)
	}
	if err := d.Remove(ctx, "coder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v", err)
	}
}

func TestHeartbeatAndStale(t *testing.T) {
	d, gdb := testDir(t)
	ctx := context.Background()
	d.Upsert(ctx, card("fresh", "coding"))
	d.Upsert(ctx, card("old", "coding"))
	d.Upsert(ctx, card("gone", "coding"))

	old := time.Now().UTC().Add(-time.Hour)
	gdb.Model(&models.Agent{}).Where("id IN ?", []string{"old", "gone"}).Update("last_activity", old)
	if err := d.SetStatus(ctx, "gone", registry.StatusOffline); err != nil {
		t.Fatal(err)
	}

	stale, err := d.Stale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("Stale = %v, want [old]", stale)
	}

	if err := d.Heartbeat(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	stale, _ = d.Stale(ctx, time.Minute)
	if len(stale) != 0 {
		t.Errorf("Stale after heartbeat = %v", stale)
	}

	if err := d.Heartbeat(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Heartbeat(ghost) = %v", err)
	}
	if err := d.SetStatus(ctx, "ghost", registry.StatusBusy); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetStatus(ghost) = %v", err)
	}
}

func TestStartHeartbeat_ReportsMissingAgent(t *testing.T) {
	d, _ := testDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := d.StartHeartbeat(ctx, "ghost", 10*time.Millisecond)
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error for missing agent")
	}
}

func TestStartHeartbeat_UpdatesActivity(t *testing.T) {
	d, gdb := testDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Upsert(ctx, card("coder", "coding"))
	old := time.Now().UTC().Add(-time.Hour)
	gdb.Model(&models.Agent{}).Where("id = ?", "coder").Update("last_activity", old)

	errCh := d.StartHeartbeat(ctx, "coder", 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		e, err := d.Get(ctx, "coder")
		if err != nil {
			t.Fatal(err)
		}
		if e.LastSeen.After(old.Add(time.Minute)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never refreshed last_activity")
		}
		select {
		case err := <-errCh:
			t.Fatalf("heartbeat error: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistryLoad(t *testing.T) {
	d, gdb := testDir(t)
	ctx := context.Background()
	d.Upsert(ctx, card("coder", "coding"))
	d.Upsert(ctx, card("sleepy", "coding"))
	gdb.Model(&models.Agent{}).Where("id = ?", "sleepy").Update("last_activity", time.Now().UTC().Add(-time.Hour))

	r := registry.New(nil)
	if err := r.Load(ctx, d, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !r.IsAvailable("coder") {
		t.Error("coder should be available")
	}
	if r.IsAvailable("sleepy") {
		t.Error("stale agent should be offline")
	}
}
