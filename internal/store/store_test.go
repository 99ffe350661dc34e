package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSwarmLifecycle(t *testing.T) {
	s := newTestStore(t)

	cfg, _ := json.Marshal(map[string]any{"algorithm": "pso", "population_size": 30})
	if err := s.SaveSwarm(&SwarmRecord{ID: "swarm-1", Name: "alpha", Algorithm: "pso", Config: cfg}); err != nil {
		t.Fatalf("save swarm: %v", err)
	}

	got, err := s.GetSwarm("swarm-1")
	if err != nil {
		t.Fatalf("get swarm: %v", err)
	}
	if got == nil {
		t.Fatal("expected swarm, got nil")
	}
	if got.Status != SwarmActive {
		t.Errorf("expected status 'active', got '%s'", got.Status)
	}
	if got.Name != "alpha" || got.Algorithm != "pso" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.StoppedAt != nil {
		t.Error("expected no stopped_at for active swarm")
	}

	if err := s.FinishSwarm("swarm-1", SwarmStopped, ""); err != nil {
		t.Fatalf("finish swarm: %v", err)
	}
	got, _ = s.GetSwarm("swarm-1")
	if got.Status != SwarmStopped {
		t.Errorf("expected status 'stopped', got '%s'", got.Status)
	}
	if got.StoppedAt == nil {
		t.Error("expected stopped_at to be set")
	}

	// A finished record is not overwritten by a later finish.
	_ = s.FinishSwarm("swarm-1", SwarmLost, "connection lost")
	got, _ = s.GetSwarm("swarm-1")
	if got.Status != SwarmStopped || got.LastError != "" {
		t.Errorf("finished swarm changed: %+v", got)
	}

	// Reusing the id starts a fresh active record.
	if err := s.SaveSwarm(&SwarmRecord{ID: "swarm-1", Algorithm: "de", Config: cfg}); err != nil {
		t.Fatalf("resave swarm: %v", err)
	}
	got, _ = s.GetSwarm("swarm-1")
	if got.Status != SwarmActive || got.Algorithm != "de" || got.StoppedAt != nil {
		t.Errorf("resaved swarm: %+v", got)
	}

	got, err = s.GetSwarm("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent swarm")
	}
}

func TestFinishActiveSwarms(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveSwarm(&SwarmRecord{ID: id, Algorithm: "gwo"}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	_ = s.FinishSwarm("c", SwarmStopped, "")

	n, err := s.FinishActiveSwarms(SwarmLost, "engine restarted")
	if err != nil {
		t.Fatalf("finish active: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}

	lost, err := s.ListSwarms(SwarmLost)
	if err != nil {
		t.Fatalf("list lost: %v", err)
	}
	if len(lost) != 2 {
		t.Fatalf("expected 2 lost swarms, got %d", len(lost))
	}
	if lost[0].LastError != "engine restarted" {
		t.Errorf("expected last_error, got '%s'", lost[0].LastError)
	}

	all, _ := s.ListSwarms("")
	if len(all) != 3 {
		t.Errorf("expected 3 swarms, got %d", len(all))
	}

	if err := s.DeleteSwarm("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = s.ListSwarms("")
	if len(all) != 2 {
		t.Errorf("expected 2 swarms after delete, got %d", len(all))
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{ID: "s1", Name: "rpc-key", Description: "node key", Value: []byte{1, 2, 3}, Nonce: []byte{9}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecretByName("rpc-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || got.ID != "s1" || len(got.Value) != 3 || got.Nonce[0] != 9 {
		t.Fatalf("unexpected secret: %+v", got)
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(list) != 1 || list[0].Value != nil {
		t.Errorf("expected metadata only, got %+v", list)
	}

	sec.Value = []byte{4}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("update secret: %v", err)
	}
	got, _ = s.GetSecret("s1")
	if len(got.Value) != 1 || got.Value[0] != 4 {
		t.Errorf("expected updated value, got %v", got.Value)
	}

	if err := s.DeleteSecret("s1"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecretByName("rpc-key")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestScheduleRuns(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, status := range []string{"ok", "error", "ok"} {
		r := &ScheduleRun{
			Name:       "rebalance",
			Command:    "optimize_swarm",
			Status:     status,
			DurationMs: int64(i * 10),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if status == "error" {
			r.Error = "command timeout"
		}
		if err := s.RecordScheduleRun(r); err != nil {
			t.Fatalf("record run: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected run id")
		}
	}
	_ = s.RecordScheduleRun(&ScheduleRun{Name: "status", Command: "get_swarm_status", Status: "ok", StartedAt: base})

	runs, err := s.ListScheduleRuns("rebalance", 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].DurationMs != 20 || runs[1].Error != "command timeout" {
		t.Errorf("unexpected order: %+v", runs)
	}

	all, _ := s.ListScheduleRuns("", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 runs, got %d", len(all))
	}
}
