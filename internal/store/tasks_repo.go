package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskcycle/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, project_name, project_path, entry_module, next_run, schedule_interval,
			skip_intervals, status, status_change_date, notify_on_run, date_created, last_run,
			run_count, last_exec_time, avg_exec_time, prev_five_success, last_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectName, task.ProjectPath, task.EntryModule,
		formatTime(task.NextRun), string(task.Interval), task.SkipIntervals,
		string(task.Status), nullableTime(task.StatusChangeAt), boolToInt(task.NotifyOnRun),
		formatTime(task.CreatedAt), nullableTime(task.LastRun),
		task.RunCount, nullableFloat(task.LastExecSecs), nullableFloat(task.AvgExecSecs),
		task.History.String(), task.LastNote)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites a record by id. Identity and date_created are
// never changed.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET project_name = ?, project_path = ?, entry_module = ?, next_run = ?,
			schedule_interval = ?, skip_intervals = ?, status = ?, status_change_date = ?,
			notify_on_run = ?, last_run = ?, run_count = ?, last_exec_time = ?,
			avg_exec_time = ?, prev_five_success = ?, last_note = ?
		WHERE id = ?
	`, task.ProjectName, task.ProjectPath, task.EntryModule, formatTime(task.NextRun),
		string(task.Interval), task.SkipIntervals, string(task.Status), nullableTime(task.StatusChangeAt),
		boolToInt(task.NotifyOnRun), nullableTime(task.LastRun), task.RunCount,
		nullableFloat(task.LastExecSecs), nullableFloat(task.AvgExecSecs),
		task.History.String(), task.LastNote, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns every task record ordered by due time.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, taskSelect+` ORDER BY next_run ASC, date_created ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SetTaskStatus flips a task between active and paused, recording when the
// flip happened.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status core.TaskStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, status_change_date = ?
		WHERE id = ?
	`, string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetTaskNotify toggles post-run notifications for a task.
func (s *Store) SetTaskNotify(ctx context.Context, id string, notify bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET notify_on_run = ? WHERE id = ?`,
		boolToInt(notify), id)
	if err != nil {
		return fmt.Errorf("update task notify: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MinNextRun returns the soonest due time across all tasks, or nil when no
// tasks exist. The wake-up collaborator arms from it.
func (s *Store) MinNextRun(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT MIN(next_run) FROM tasks`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("min next_run: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, next.String)
	if err != nil {
		return nil, fmt.Errorf("parse min next_run: %w", err)
	}
	return &t, nil
}

const taskSelect = `
	SELECT id, project_name, project_path, entry_module, next_run, schedule_interval,
		skip_intervals, status, status_change_date, notify_on_run, date_created, last_run,
		run_count, last_exec_time, avg_exec_time, prev_five_success, last_note
	FROM tasks`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id           string
		projectName  string
		projectPath  string
		entryModule  string
		nextRun      string
		interval     string
		skip         int
		status       string
		statusChange sql.NullString
		notify       int
		dateCreated  string
		lastRun      sql.NullString
		runCount     int
		lastExec     sql.NullFloat64
		avgExec      sql.NullFloat64
		history      string
		lastNote     string
	)
	if err := scanner.Scan(&id, &projectName, &projectPath, &entryModule, &nextRun, &interval,
		&skip, &status, &statusChange, &notify, &dateCreated, &lastRun,
		&runCount, &lastExec, &avgExec, &history, &lastNote); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:            id,
		ProjectName:   projectName,
		ProjectPath:   projectPath,
		EntryModule:   entryModule,
		Interval:      core.Interval(interval),
		SkipIntervals: skip,
		Status:        core.TaskStatus(status),
		NotifyOnRun:   notify != 0,
		RunCount:      runCount,
		History:       core.ParseHistory(history),
		LastNote:      lastNote,
	}
	if t, err := time.Parse(time.RFC3339Nano, nextRun); err == nil {
		task.NextRun = t
	}
	if t, err := time.Parse(time.RFC3339Nano, dateCreated); err == nil {
		task.CreatedAt = t
	}
	if statusChange.Valid {
		if t, err := time.Parse(time.RFC3339Nano, statusChange.String); err == nil {
			task.StatusChangeAt = &t
		}
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			task.LastRun = &t
		}
	}
	if lastExec.Valid {
		val := lastExec.Float64
		task.LastExecSecs = &val
	}
	if avgExec.Valid {
		val := avgExec.Float64
		task.AvgExecSecs = &val
	}
	return task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
