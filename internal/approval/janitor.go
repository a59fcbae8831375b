package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically expires overdue approvals and purges old resolved ones.
// Extra housekeeping, such as purging old pipeline runs, rides on the same
// schedule via AddTask.
type Janitor struct {
	manager *Manager
	retain  time.Duration
	cron    *cron.Cron
	tasks   []janitorTask
	logger  *slog.Logger
}

type janitorTask struct {
	name string
	fn   func(ctx context.Context) error
}

// NewJanitor schedules sweeps on spec, a five-field cron expression or a
// descriptor such as "@every 1m".
func NewJanitor(m *Manager, spec string, retain time.Duration, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	j := &Janitor{manager: m, retain: retain, cron: c, logger: logger}
	if _, err := c.AddFunc(spec, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return j, nil
}

// AddTask runs fn after every approval sweep. Must be called before Start.
func (j *Janitor) AddTask(name string, fn func(ctx context.Context) error) {
	j.tasks = append(j.tasks, janitorTask{name: name, fn: fn})
}

// Start begins the sweep schedule. Returns a stop function that waits for a
// running sweep to finish (matches the scheduler Start pattern).
func (j *Janitor) Start() func() {
	j.cron.Start()
	j.logger.Info("approval janitor started", slog.Int("entries", len(j.cron.Entries())))
	return func() {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := j.manager.Sweep(ctx, j.retain); err != nil {
		j.logger.Error("approval sweep failed", slog.String("error", err.Error()))
	}
	for _, t := range j.tasks {
		if err := t.fn(ctx); err != nil {
			j.logger.Error("janitor task failed",
				slog.String("task", t.name),
				slog.String("error", err.Error()),
			)
		}
	}
}
