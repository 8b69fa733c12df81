package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"taskcycle/internal/core"
	"taskcycle/internal/store"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	ProjectName   string  `json:"project_name"`
	ProjectPath   string  `json:"project_path"`
	EntryModule   string  `json:"entry_module"`
	Interval      string  `json:"schedule_interval"`
	SkipIntervals int     `json:"skip_intervals"`
	NextRun       *string `json:"next_run"` // RFC3339; defaults to one interval from now
	NotifyOnRun   bool    `json:"notify_on_run"`
	Paused        bool    `json:"paused"`
}

type updateTaskRequest struct {
	ProjectName   *string `json:"project_name"`
	ProjectPath   *string `json:"project_path"`
	EntryModule   *string `json:"entry_module"`
	Interval      *string `json:"schedule_interval"`
	SkipIntervals *int    `json:"skip_intervals"`
	NextRun       *string `json:"next_run"`
	NotifyOnRun   *bool   `json:"notify_on_run"`
	Paused        *bool   `json:"paused"`
}

type taskResponse struct {
	ID             string   `json:"id"`
	ProjectName    string   `json:"project_name"`
	ProjectPath    string   `json:"project_path"`
	EntryModule    string   `json:"entry_module"`
	NextRun        string   `json:"next_run"`
	Interval       string   `json:"schedule_interval"`
	SkipIntervals  int      `json:"skip_intervals"`
	Status         string   `json:"status"`
	StatusChangeAt *string  `json:"status_change_date,omitempty"`
	NotifyOnRun    bool     `json:"notify_on_run"`
	CreatedAt      string   `json:"date_created"`
	LastRun        *string  `json:"last_run,omitempty"`
	RunCount       int      `json:"run_count"`
	LastExecSecs   *float64 `json:"last_exec_time,omitempty"`
	AvgExecSecs    *float64 `json:"avg_exec_time,omitempty"`
	History        string   `json:"prev_five_success"`
	LastNote       string   `json:"last_note"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.ProjectPath = strings.TrimSpace(req.ProjectPath)
	req.EntryModule = strings.TrimSpace(req.EntryModule)
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "project_path is required")
		return
	}
	if req.EntryModule == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "entry_module is required")
		return
	}
	if req.SkipIntervals < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "skip_intervals must be non-negative")
		return
	}

	interval, err := core.ParseInterval(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
		return
	}

	now := time.Now().In(s.location)
	var nextRun time.Time
	if req.NextRun != nil {
		parsed, err := time.Parse(time.RFC3339, *req.NextRun)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "next_run must be RFC3339")
			return
		}
		nextRun = parsed
	} else {
		// Default first due time: one step from now.
		nextRun, err = core.Advance(now, interval, req.SkipIntervals, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
			return
		}
	}

	status := core.TaskStatusActive
	if req.Paused {
		status = core.TaskStatusPaused
	}

	task := &core.Task{
		ID:            core.NewID(),
		ProjectName:   strings.TrimSpace(req.ProjectName),
		ProjectPath:   req.ProjectPath,
		EntryModule:   req.EntryModule,
		NextRun:       nextRun.UTC(),
		Interval:      interval,
		SkipIntervals: req.SkipIntervals,
		Status:        status,
		NotifyOnRun:   req.NotifyOnRun,
		CreatedAt:     time.Now().UTC(),
		History:       core.NewHistory(),
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for update", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.ProjectName != nil {
		task.ProjectName = strings.TrimSpace(*req.ProjectName)
	}
	if req.ProjectPath != nil {
		trimmed := strings.TrimSpace(*req.ProjectPath)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "project_path cannot be empty")
			return
		}
		task.ProjectPath = trimmed
	}
	if req.EntryModule != nil {
		trimmed := strings.TrimSpace(*req.EntryModule)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "entry_module cannot be empty")
			return
		}
		task.EntryModule = trimmed
	}
	if req.Interval != nil {
		interval, err := core.ParseInterval(*req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
			return
		}
		task.Interval = interval
	}
	if req.SkipIntervals != nil {
		if *req.SkipIntervals < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "skip_intervals must be non-negative")
			return
		}
		task.SkipIntervals = *req.SkipIntervals
	}
	if req.NextRun != nil {
		parsed, err := time.Parse(time.RFC3339, *req.NextRun)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "next_run must be RFC3339")
			return
		}
		task.NextRun = parsed.UTC()
	}
	if req.NotifyOnRun != nil {
		task.NotifyOnRun = *req.NotifyOnRun
	}
	if req.Paused != nil {
		status := core.TaskStatusActive
		if *req.Paused {
			status = core.TaskStatusPaused
		}
		if status != task.Status {
			task.Status = status
			changed := time.Now().UTC()
			task.StatusChangeAt = &changed
		}
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask executes one task immediately, outside the normal
// due-time selection, and folds the result into its bookkeeping.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for run", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	start := time.Now()
	stdout, errText := s.runner.Run(r.Context(), task)
	elapsed := time.Since(start).Seconds()

	res := core.RunResult{Stdout: stdout, Stderr: errText, Duration: elapsed}
	updated, err := core.ApplyRunResult(*task, res, time.Now(), s.location)
	if err != nil {
		s.logger.Error("apply run result", "task_id", taskID, "err", err)
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval", err.Error())
		return
	}
	if err := s.store.UpdateTask(r.Context(), &updated); err != nil {
		s.logger.Error("persist run result", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to persist run result")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(&updated))
}

// handleRunCycle triggers one full wake cycle. The call blocks until the
// cycle completes.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.driver.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("run cycle", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	resp := map[string]any{
		"selected":  report.Selected,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	}
	if report.NextWake != nil {
		resp["next_wake"] = report.NextWake.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("status: list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	resp := map[string]any{"tasks": len(tasks)}
	if next, err := s.store.MinNextRun(r.Context()); err == nil && next != nil {
		resp["next_wake"] = next.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:            task.ID,
		ProjectName:   task.ProjectName,
		ProjectPath:   task.ProjectPath,
		EntryModule:   task.EntryModule,
		NextRun:       task.NextRun.UTC().Format(time.RFC3339),
		Interval:      string(task.Interval),
		SkipIntervals: task.SkipIntervals,
		Status:        string(task.Status),
		NotifyOnRun:   task.NotifyOnRun,
		CreatedAt:     task.CreatedAt.UTC().Format(time.RFC3339),
		RunCount:      task.RunCount,
		LastExecSecs:  task.LastExecSecs,
		AvgExecSecs:   task.AvgExecSecs,
		History:       task.History.String(),
		LastNote:      task.LastNote,
	}
	if task.StatusChangeAt != nil {
		formatted := task.StatusChangeAt.UTC().Format(time.RFC3339)
		resp.StatusChangeAt = &formatted
	}
	if task.LastRun != nil {
		formatted := task.LastRun.UTC().Format(time.RFC3339)
		resp.LastRun = &formatted
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
