package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryRepo struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	updates []string // task IDs in persistence order
}

func newMemoryRepo(tasks ...*Task) *memoryRepo {
	repo := &memoryRepo{tasks: make(map[string]*Task)}
	for _, task := range tasks {
		repo.tasks[task.ID] = task
	}
	return repo
}

func (r *memoryRepo) ListTasks(ctx context.Context) ([]*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		copied := *task
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memoryRepo) UpdateTask(ctx context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return errors.New("task not found")
	}
	copied := *task
	r.tasks[task.ID] = &copied
	r.updates = append(r.updates, task.ID)
	return nil
}

func (r *memoryRepo) get(id string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	stderr map[string]string // task ID -> error text, "" means success
}

func (f *fakeRunner) Run(ctx context.Context, task *Task) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, task.ID)
	return "output of " + task.DisplayName(), f.stderr[task.ID]
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

func dueTask(id string, nextRun time.Time) *Task {
	return &Task{
		ID:          id,
		ProjectName: id,
		ProjectPath: "/tmp/" + id,
		EntryModule: "main.py",
		NextRun:     nextRun,
		Interval:    IntervalHours,
		Status:      TaskStatusActive,
		History:     NewHistory(),
	}
}

func TestCycleSelectionAndOrdering(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	soon := dueTask("soon", now.Add(1*time.Minute))
	far := dueTask("far", now.Add(10*time.Minute))
	overdue := dueTask("overdue", now.Add(-1*time.Minute))

	repo := newMemoryRepo(soon, far, overdue)
	runner := &fakeRunner{stderr: map[string]string{}}
	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep))

	report, err := driver.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Selected != 2 {
		t.Fatalf("expected 2 selected tasks, got %d", report.Selected)
	}
	// Ascending due-time order: the overdue task runs first.
	if len(runner.ran) != 2 || runner.ran[0] != "overdue" || runner.ran[1] != "soon" {
		t.Errorf("expected run order [overdue soon], got %v", runner.ran)
	}
	if repo.get("far").RunCount != 0 {
		t.Errorf("task outside horizon must not run")
	}
	// The driver slept until "soon" was exactly due.
	if len(clock.slept) != 1 || clock.slept[0] != time.Minute {
		t.Errorf("expected a single 1m sleep, got %v", clock.slept)
	}
}

func TestCyclePersistsEachTaskImmediately(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	a := dueTask("a", now.Add(-2*time.Minute))
	b := dueTask("b", now.Add(-1*time.Minute))
	repo := newMemoryRepo(a, b)
	runner := &fakeRunner{stderr: map[string]string{"b": "exploded"}}

	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep))
	report, err := driver.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("expected 1 success and 1 failure, got %+v", report)
	}
	if got := repo.updates; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected per-task persistence in order [a b], got %v", got)
	}

	updatedA := repo.get("a")
	if updatedA.RunCount != 1 {
		t.Errorf("task a run_count: expected 1, got %d", updatedA.RunCount)
	}
	if !updatedA.NextRun.After(now) {
		t.Errorf("task a next_run %v not advanced past now", updatedA.NextRun)
	}
	if updatedA.LastNote != "output of a" {
		t.Errorf("task a last_note: got %q", updatedA.LastNote)
	}

	updatedB := repo.get("b")
	if updatedB.History[0] != OutcomeFailure {
		t.Errorf("task b history head: expected failure, got %s", updatedB.History[0])
	}
	if updatedB.LastNote != "exploded" {
		t.Errorf("task b last_note: expected stderr, got %q", updatedB.LastNote)
	}
}

func TestCyclePausedTaskInWindowStillRuns(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	paused := dueTask("paused", now.Add(-time.Minute))
	paused.Status = TaskStatusPaused

	repo := newMemoryRepo(paused)
	runner := &fakeRunner{stderr: map[string]string{}}
	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep))

	if _, err := driver.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// Selection is by due time only; status is not consulted.
	if repo.get("paused").RunCount != 1 {
		t.Error("paused task due within the window should still run")
	}
}

func TestCycleReportsMinimumNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	overdue := dueTask("overdue", now.Add(-time.Minute))
	idle := dueTask("idle", now.Add(2*time.Hour))

	repo := newMemoryRepo(overdue, idle)
	runner := &fakeRunner{stderr: map[string]string{}}
	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep))

	report, err := driver.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.NextWake == nil {
		t.Fatal("expected a next wake time")
	}
	// overdue advanced to now+~1h (hourly interval), so it stays the
	// soonest pending task.
	advanced := repo.get("overdue").NextRun
	if !report.NextWake.Equal(advanced) {
		t.Errorf("next wake: expected %v, got %v", advanced, *report.NextWake)
	}
	if !report.NextWake.Before(idle.NextRun) {
		t.Errorf("next wake %v should precede idle task at %v", *report.NextWake, idle.NextRun)
	}
}

func TestCycleUnknownIntervalAbortsCycle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	broken := dueTask("broken", now.Add(-2*time.Minute))
	broken.Interval = Interval("eons")
	later := dueTask("later", now.Add(-1*time.Minute))

	repo := newMemoryRepo(broken, later)
	runner := &fakeRunner{stderr: map[string]string{}}
	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep))

	_, err := driver.RunCycle(context.Background())
	if !errors.Is(err, ErrUnknownInterval) {
		t.Fatalf("expected ErrUnknownInterval, got %v", err)
	}
	// The configuration fault aborts the cycle before the next task runs.
	if repo.get("later").RunCount != 0 {
		t.Error("cycle should abort before processing subsequent tasks")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Send(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func TestCycleNotifiesOnlyOptedInTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}

	loud := dueTask("loud", now.Add(-2*time.Minute))
	loud.NotifyOnRun = true
	quiet := dueTask("quiet", now.Add(-1*time.Minute))

	repo := newMemoryRepo(loud, quiet)
	runner := &fakeRunner{stderr: map[string]string{}}
	notifier := &recordingNotifier{}
	driver := NewDriver(repo, runner, testLogger(), time.UTC,
		WithClock(clock.Now, clock.Sleep), WithNotifier(notifier))

	if _, err := driver.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(notifier.titles) != 1 {
		t.Fatalf("expected exactly one notification, got %v", notifier.titles)
	}
	if notifier.titles[0] != "Task succeeded: loud" {
		t.Errorf("unexpected notification title %q", notifier.titles[0])
	}
}
