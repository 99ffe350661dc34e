// Package scheduler runs bridge commands on the schedules listed in the
// configuration and records each run.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/natsbus"
	"github.com/mtzanidakis/swarmbridge/internal/schedule"
	"github.com/mtzanidakis/swarmbridge/internal/store"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Executor is satisfied by *bridge.Bridge.
type Executor interface {
	Execute(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error)
}

type RunRecorder interface {
	RecordScheduleRun(r *store.ScheduleRun) error
}

type Job struct {
	Name       string     `json:"name"`
	Command    string     `json:"command"`
	Schedule   string     `json:"schedule"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type job struct {
	cfg   config.ScheduleConfig
	sched *schedule.Schedule
	next  time.Time // zero when the job will not run again
	Job
}

type Scheduler struct {
	exec         Executor
	recorder     RunRecorder
	natsClient   *natsbus.Client
	pollInterval time.Duration

	mu   sync.Mutex
	jobs []*job
}

// New validates every schedule and computes its first run.
func New(exec Executor, recorder RunRecorder, client *natsbus.Client, schedules []config.ScheduleConfig, pollInterval time.Duration) (*Scheduler, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	s := &Scheduler{
		exec:         exec,
		recorder:     recorder,
		natsClient:   client,
		pollInterval: pollInterval,
	}

	jobs, err := buildJobs(schedules, time.Now())
	if err != nil {
		return nil, err
	}
	s.jobs = jobs
	return s, nil
}

func buildJobs(schedules []config.ScheduleConfig, now time.Time) ([]*job, error) {
	var jobs []*job
	seen := make(map[string]bool)
	for _, c := range schedules {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", c.Name)
		}
		seen[c.Name] = true

		sched, err := schedule.Parse(c.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", c.Name, err)
		}
		j := &job{cfg: c, sched: sched}
		j.Job = Job{Name: c.Name, Command: c.Command, Schedule: sched.String()}
		j.next, _ = sched.Next(now)
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Reload replaces the job set. Jobs that keep their name also keep their
// last run result. On error the current jobs are left untouched.
func (s *Scheduler) Reload(schedules []config.ScheduleConfig) error {
	jobs, err := buildJobs(schedules, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := make(map[string]*job, len(s.jobs))
	for _, j := range s.jobs {
		prev[j.cfg.Name] = j
	}
	for _, j := range jobs {
		if p, ok := prev[j.cfg.Name]; ok {
			j.LastRun, j.LastStatus, j.LastError = p.LastRun, p.LastStatus, p.LastError
		}
	}
	s.jobs = jobs
	s.mu.Unlock()

	slog.Info("scheduler reloaded", "jobs", len(jobs))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	slog.Info("scheduler started", "jobs", n, "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.poll(ctx, now)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			j.next, _ = j.sched.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.execute(ctx, j)
	}
}

// RunNow executes the named job immediately without moving its next run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *job
	for _, j := range s.jobs {
		if j.cfg.Name == name {
			found = j
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.execute(ctx, found)
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	slog.Info("executing scheduled command", "name", j.cfg.Name, "command", j.cfg.Command)

	started := time.Now()
	var payload any
	if len(j.cfg.Payload) > 0 {
		payload = j.cfg.Payload
	}
	_, err := s.exec.Execute(ctx, j.cfg.Command, payload, j.cfg.Timeout)
	elapsed := time.Since(started)

	run := &store.ScheduleRun{
		Name:       j.cfg.Name,
		Command:    j.cfg.Command,
		Status:     StatusOK,
		DurationMs: elapsed.Milliseconds(),
		StartedAt:  started,
	}
	if err != nil {
		run.Status = StatusError
		run.Error = err.Error()
		slog.Error("scheduled command failed", "name", j.cfg.Name, "error", err)
	}

	s.mu.Lock()
	j.LastRun = &started
	j.LastStatus = run.Status
	j.LastError = run.Error
	s.mu.Unlock()

	if s.recorder != nil {
		if rerr := s.recorder.RecordScheduleRun(run); rerr != nil {
			slog.Error("failed to record schedule run", "name", j.cfg.Name, "error", rerr)
		}
	}
	s.publishExecuted(run)
	return err
}

func (s *Scheduler) publishExecuted(run *store.ScheduleRun) {
	if s.natsClient == nil {
		return
	}
	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      run,
	}
	if err := s.natsClient.PublishJSON(natsbus.TopicEventsScheduleExecuted, event); err != nil {
		slog.Warn("publish schedule event", "name", run.Name, "error", err)
	}
}

// Jobs returns a snapshot of every job ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := j.Job
		if !j.next.IsZero() {
			next := j.next
			info.NextRun = &next
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
