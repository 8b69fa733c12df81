package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskcycle/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTask(nextRun time.Time) *core.Task {
	return &core.Task{
		ID:            core.NewID(),
		ProjectName:   "backups",
		ProjectPath:   "/home/me/backups",
		EntryModule:   "main.py",
		NextRun:       nextRun,
		Interval:      core.IntervalDays,
		SkipIntervals: 1,
		Status:        core.TaskStatusActive,
		NotifyOnRun:   true,
		CreatedAt:     time.Now().UTC(),
		History:       core.NewHistory(),
	}
}

func TestInsertAndGetTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nextRun := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	task := sampleTask(nextRun)
	lastExec := 1.234
	task.LastExecSecs = &lastExec
	task.History.Push(core.OutcomeFailure)
	task.History.Push(core.OutcomeSuccess)
	task.LastNote = "all good"

	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.NextRun.Equal(nextRun) {
		t.Errorf("next_run: expected %v, got %v", nextRun, got.NextRun)
	}
	if got.Interval != core.IntervalDays || got.SkipIntervals != 1 {
		t.Errorf("schedule fields lost: %+v", got)
	}
	if !got.NotifyOnRun {
		t.Error("notify_on_run lost")
	}
	if got.LastExecSecs == nil || *got.LastExecSecs != 1.234 {
		t.Errorf("last_exec_time: got %v", got.LastExecSecs)
	}
	if got.History.String() != "1|0|-|-|-" {
		t.Errorf("history: got %q", got.History.String())
	}
	if got.LastNote != "all good" {
		t.Errorf("last_note: got %q", got.LastNote)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateTaskPersistsRunBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask(time.Now().UTC().Add(-time.Minute))
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := core.ApplyRunResult(*task, core.RunResult{Stdout: "ran", Duration: 0.5}, time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.UpdateTask(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("run_count: expected 1, got %d", got.RunCount)
	}
	if got.LastRun == nil {
		t.Error("last_run not persisted")
	}
	if got.History[0] != core.OutcomeSuccess {
		t.Errorf("history head: got %s", got.History[0])
	}
	if !got.NextRun.After(time.Now().Add(-time.Second)) {
		t.Errorf("next_run not advanced: %v", got.NextRun)
	}

	updated.ID = "missing"
	if err := s.UpdateTask(ctx, &updated); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown id, got %v", err)
	}
}

func TestListTasksOrderedByDueTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	late := sampleTask(base.Add(2 * time.Hour))
	early := sampleTask(base)
	mid := sampleTask(base.Add(time.Hour))
	for _, task := range []*core.Task{late, early, mid} {
		if err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != early.ID || tasks[1].ID != mid.ID || tasks[2].ID != late.ID {
		t.Errorf("tasks not ordered by next_run: %s %s %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSetTaskStatusRecordsChangeDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask(time.Now().UTC())
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetTaskStatus(ctx, task.ID, core.TaskStatusPaused); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.TaskStatusPaused {
		t.Errorf("status: expected paused, got %s", got.Status)
	}
	if got.StatusChangeAt == nil {
		t.Error("status_change_date not recorded")
	}
}

func TestSetTaskNotify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask(time.Now().UTC())
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetTaskNotify(ctx, task.ID, false); err != nil {
		t.Fatalf("set notify: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NotifyOnRun {
		t.Error("notify_on_run should be off")
	}
}

func TestMinNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	min, err := s.MinNextRun(ctx)
	if err != nil {
		t.Fatalf("min on empty store: %v", err)
	}
	if min != nil {
		t.Errorf("expected nil for empty store, got %v", min)
	}

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	if err := s.InsertTask(ctx, sampleTask(base.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTask(ctx, sampleTask(base)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	min, err = s.MinNextRun(ctx)
	if err != nil {
		t.Fatalf("min: %v", err)
	}
	if min == nil || !min.Equal(base) {
		t.Errorf("expected %v, got %v", base, min)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask(time.Now().UTC())
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on second delete, got %v", err)
	}
}
