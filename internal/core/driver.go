package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DefaultHorizon is the look-ahead window for selecting tasks in a cycle.
const DefaultHorizon = 5 * time.Minute

// Repository is the narrow persistence interface the engine needs: fetch
// every record and overwrite one by id. The engine never creates or
// deletes records.
type Repository interface {
	ListTasks(ctx context.Context) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
}

// Notifier delivers a post-run message for tasks that ask for one.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// CycleReport summarizes one wake cycle.
type CycleReport struct {
	Selected  int
	Succeeded int
	Failed    int
	// NextWake is the minimum next_run across all tasks after the cycle,
	// nil when no tasks exist. The wake-up collaborator arms from it.
	NextWake *time.Time
}

// Driver orchestrates one wake cycle: it selects due tasks, waits until
// each is exactly due, runs it, updates its statistics and persists the
// record before moving on. Processing is strictly sequential in ascending
// due-time order; there is no concurrent task execution within a cycle.
type Driver struct {
	repo     Repository
	runner   Runner
	notifier Notifier
	logger   *slog.Logger
	location *time.Location
	horizon  time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(d time.Duration)
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithHorizon overrides the selection look-ahead window.
func WithHorizon(d time.Duration) DriverOption {
	return func(dr *Driver) {
		if d > 0 {
			dr.horizon = d
		}
	}
}

// WithNotifier attaches a post-run notifier honored for tasks with
// notify_on_run set.
func WithNotifier(n Notifier) DriverOption {
	return func(dr *Driver) { dr.notifier = n }
}

// WithClock replaces the time source and sleep function.
func WithClock(now func() time.Time, sleep func(time.Duration)) DriverOption {
	return func(dr *Driver) {
		dr.now = now
		dr.sleep = sleep
	}
}

// NewDriver constructs a driver. location must be the resolved local
// timezone; it is threaded through every time computation rather than read
// from ambient state.
func NewDriver(repo Repository, runner Runner, logger *slog.Logger, location *time.Location, opts ...DriverOption) *Driver {
	if location == nil {
		location = time.Local
	}
	d := &Driver{
		repo:     repo,
		runner:   runner,
		logger:   logger,
		location: location,
		horizon:  DefaultHorizon,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunCycle processes one wake cycle. Execution failures of individual
// tasks are recorded in their history and do not stop the cycle; an
// unrecognized schedule interval is a configuration fault and aborts it.
func (d *Driver) RunCycle(ctx context.Context) (*CycleReport, error) {
	tasks, err := d.repo.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	now := d.now().In(d.location)
	horizon := now.Add(d.horizon)

	// Selection is by due time only. A paused task whose next_run falls in
	// the window still executes; that carried-over behavior is kept on
	// purpose and documented rather than silently filtered.
	due := make([]*Task, 0, len(tasks))
	for _, task := range tasks {
		if !task.NextRun.IsZero() && task.NextRun.Before(horizon) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })

	report := &CycleReport{Selected: len(due)}
	d.logger.Info("cycle started", "tasks", len(tasks), "due", len(due), "horizon", horizon)

	for _, task := range due {
		if wait := task.NextRun.Sub(d.now()); wait > 0 {
			d.logger.Debug("waiting for due time", "task_id", task.ID, "wait", wait)
			d.sleep(wait)
		}

		start := d.now()
		stdout, errText := d.runner.Run(ctx, task)
		elapsed := round3(d.now().Sub(start).Seconds())

		res := RunResult{Stdout: stdout, Stderr: errText, Duration: elapsed}
		updated, err := ApplyRunResult(*task, res, d.now(), d.location)
		if err != nil {
			return report, fmt.Errorf("update task %s: %w", task.ID, err)
		}

		// Persist before touching the next task so no task observes
		// another's update mid-cycle.
		if err := d.repo.UpdateTask(ctx, &updated); err != nil {
			return report, fmt.Errorf("persist task %s: %w", task.ID, err)
		}

		if res.Succeeded() {
			report.Succeeded++
			d.logger.Info("task completed", "task_id", task.ID, "task", task.DisplayName(), "secs", elapsed)
		} else {
			report.Failed++
			d.logger.Warn("task failed", "task_id", task.ID, "task", task.DisplayName(), "secs", elapsed, "note", errText)
		}

		d.maybeNotify(ctx, &updated, res)
	}

	report.NextWake = minNextRun(refetchOr(ctx, d.repo, tasks))
	if report.NextWake != nil {
		d.logger.Info("cycle finished", "succeeded", report.Succeeded, "failed", report.Failed, "next_wake", *report.NextWake)
	} else {
		d.logger.Info("cycle finished", "succeeded", report.Succeeded, "failed", report.Failed)
	}
	return report, nil
}

func (d *Driver) maybeNotify(ctx context.Context, task *Task, res RunResult) {
	if d.notifier == nil || !task.NotifyOnRun {
		return
	}
	title := fmt.Sprintf("Task succeeded: %s", task.DisplayName())
	if !res.Succeeded() {
		title = fmt.Sprintf("Task failed: %s", task.DisplayName())
	}
	if err := d.notifier.Send(ctx, title, task.LastNote); err != nil {
		d.logger.Warn("notify", "task_id", task.ID, "err", err)
	}
}

// refetchOr returns a fresh task listing, falling back to the stale one
// when the repository errors; the next wake estimate is advisory.
func refetchOr(ctx context.Context, repo Repository, stale []*Task) []*Task {
	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		return stale
	}
	return tasks
}

func minNextRun(tasks []*Task) *time.Time {
	var min *time.Time
	for _, task := range tasks {
		if task.NextRun.IsZero() {
			continue
		}
		if min == nil || task.NextRun.Before(*min) {
			next := task.NextRun
			min = &next
		}
	}
	return min
}
