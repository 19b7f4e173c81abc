// Package beat publishes tasks on cron schedules. Schedules load from a
// YAML file; each entry names a task, a cron expression, and optional
// routing. Entries that miss their slot while the process was down fire
// once on the next tick, not once per missed slot.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/dotcelery/internal/client"
	"github.com/fairyhunter13/dotcelery/pkg/cron"
)

// Entry is one scheduled task.
type Entry struct {
	Name       string         `yaml:"name"`
	Task       string         `yaml:"task"`
	Cron       string         `yaml:"cron"`
	Timezone   string         `yaml:"timezone,omitempty"`
	Queue      string         `yaml:"queue,omitempty"`
	Priority   int            `yaml:"priority,omitempty"`
	MaxRetries int            `yaml:"max_retries,omitempty"`
	Args       map[string]any `yaml:"args,omitempty"`
}

// Schedule is the beat configuration file.
type Schedule struct {
	Entries []Entry `yaml:"schedule"`
}

// LoadSchedule reads and validates a YAML schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=beat.LoadSchedule: %w", err)
	}
	return ParseSchedule(raw)
}

// ParseSchedule validates raw YAML schedule bytes.
func ParseSchedule(raw []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("op=beat.ParseSchedule: %w", err)
	}
	seen := make(map[string]bool, len(s.Entries))
	for i, e := range s.Entries {
		if e.Name == "" || e.Task == "" || e.Cron == "" {
			return nil, fmt.Errorf("op=beat.ParseSchedule: entry %d: name, task, and cron are required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("op=beat.ParseSchedule: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if _, err := cron.Parse(e.Cron); err != nil {
			return nil, fmt.Errorf("op=beat.ParseSchedule: entry %q: %w", e.Name, err)
		}
		if e.Timezone != "" {
			if _, err := time.LoadLocation(e.Timezone); err != nil {
				return nil, fmt.Errorf("op=beat.ParseSchedule: entry %q: %w", e.Name, err)
			}
		}
	}
	return &s, nil
}

type scheduledEntry struct {
	Entry
	expr *cron.Expression
	loc  *time.Location
	next time.Time
}

// Scheduler fires schedule entries through the client.
type Scheduler struct {
	// Now is the clock; replace in tests.
	Now func() time.Time

	client  *client.Client
	entries []*scheduledEntry
	logger  *slog.Logger
}

// New compiles the schedule. The first tick of every entry is its next
// occurrence after startup.
func New(sched *Schedule, cl *client.Client, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{Now: time.Now, client: cl, logger: logger}
	for _, e := range sched.Entries {
		expr, err := cron.Parse(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("op=beat.New: entry %q: %w", e.Name, err)
		}
		loc := time.Local
		if e.Timezone != "" {
			if loc, err = time.LoadLocation(e.Timezone); err != nil {
				return nil, fmt.Errorf("op=beat.New: entry %q: %w", e.Name, err)
			}
		}
		s.entries = append(s.entries, &scheduledEntry{Entry: e, expr: expr, loc: loc})
	}
	return s, nil
}

// Run fires due entries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.Now()
	for _, e := range s.entries {
		e.next, _ = e.expr.Next(now, e.loc)
		s.logger.Info("schedule entry armed",
			slog.String("entry", e.Name),
			slog.String("cron", e.Cron),
			slog.Time("next", e.next))
	}
	for {
		wake, any := s.soonest()
		if !any {
			s.logger.Warn("no schedulable entries, beat idle")
			<-ctx.Done()
			return ctx.Err()
		}
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.fireDue(ctx)
	}
}

// fireDue publishes every entry whose slot has arrived and re-arms it.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.Now()
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		s.publish(ctx, e)
		e.next, _ = e.expr.Next(now, e.loc)
	}
}

func (s *Scheduler) publish(ctx context.Context, e *scheduledEntry) {
	res, err := s.client.Send(ctx, e.Task, e.Args, client.SendOptions{
		Queue:         e.Queue,
		Priority:      e.Priority,
		MaxRetries:    e.MaxRetries,
		CorrelationID: "beat:" + e.Name,
	})
	if err != nil {
		s.logger.Error("schedule entry publish failed",
			slog.String("entry", e.Name),
			slog.String("task", e.Task),
			slog.Any("error", err))
		return
	}
	s.logger.Info("schedule entry fired",
		slog.String("entry", e.Name),
		slog.String("task", e.Task),
		slog.String("task_id", res.ID()))
}

// soonest returns the earliest armed slot.
func (s *Scheduler) soonest() (time.Time, bool) {
	var wake time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if wake.IsZero() || e.next.Before(wake) {
			wake = e.next
		}
	}
	return wake, !wake.IsZero()
}
