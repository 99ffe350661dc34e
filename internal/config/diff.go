package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SchedulesChanged bool
	NewSchedules     []ScheduleConfig

	LogLevelChanged bool
	NewLogLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.SchedulesChanged || d.LogLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Schedules, new.Schedules) {
		d.SchedulesChanged = true
		d.NewSchedules = new.Schedules
	}

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}

	// Non-reloadable warnings
	sections := []struct {
		name     string
		old, new any
	}{
		{"bridge", old.Bridge, new.Bridge},
		{"process", old.Process, new.Process},
		{"docker", old.Docker, new.Docker},
		{"nats", old.NATS, new.NATS},
		{"store", old.Store, new.Store},
		{"web", old.Web, new.Web},
		{"telegram", old.Telegram, new.Telegram},
		{"scheduler.poll_interval", old.Scheduler, new.Scheduler},
		{"logging.format", old.Logging.Format, new.Logging.Format},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.NonReloadable = append(d.NonReloadable, s.name)
		}
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
