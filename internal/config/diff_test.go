package config

import (
	"slices"
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	cfg.Schedules = []ScheduleConfig{{Name: "status", Cron: "@every 1m", Command: "get_swarm_status"}}
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_SchedulesChanged(t *testing.T) {
	old := defaults()
	old.Schedules = []ScheduleConfig{{Name: "status", Cron: "@every 1m", Command: "get_swarm_status"}}
	new := defaults()
	new.Schedules = []ScheduleConfig{
		{Name: "status", Cron: "@every 5m", Command: "get_swarm_status"},
		{Name: "cleanup", Cron: "0 3 * * *", Command: "stop_all_swarms", Timeout: time.Minute},
	}

	d := Diff(&old, &new)
	if !d.SchedulesChanged {
		t.Fatal("expected schedules changed")
	}
	if len(d.NewSchedules) != 2 {
		t.Errorf("expected 2 new schedules, got %d", len(d.NewSchedules))
	}
	if !d.HasChanges() {
		t.Error("expected HasChanges")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Logging.Level = "debug"

	d := Diff(&old, &new)
	if !d.LogLevelChanged || d.NewLogLevel != "debug" {
		t.Errorf("expected log level change to debug, got %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Web.Port = 9090
	new.Bridge.QueueCapacity = 5
	new.Process.Port = 9999
	new.Vault.Passphrase = "changed"

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	for _, want := range []string{"web", "bridge", "process", "vault.passphrase"} {
		if !slices.Contains(d.NonReloadable, want) {
			t.Errorf("expected %s in non-reloadable, got %v", want, d.NonReloadable)
		}
	}
}
