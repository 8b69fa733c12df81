package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskcycle/internal/core"
	"taskcycle/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task management as MCP tools over stdio so an LLM
// client can manage the schedule.
type MCPServer struct {
	store    *store.Store
	runner   core.Runner
	logger   *slog.Logger
	location *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, runner core.Runner, logger *slog.Logger, location *time.Location) *MCPServer {
	return &MCPServer{
		store:    store,
		runner:   runner,
		logger:   logger,
		location: location,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"taskcycle",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Register a script to run on a recurring schedule"),
		mcp.WithString("project_name",
			mcp.Description("Human-readable task name (optional)"),
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Directory containing the script; also the working directory"),
		),
		mcp.WithString("entry_module",
			mcp.Required(),
			mcp.Description("Script file to execute, relative to project_path"),
		),
		mcp.WithString("schedule_interval",
			mcp.Required(),
			mcp.Description("Recurrence unit"),
			mcp.Enum("minutes", "hours", "days", "weeks", "months", "years"),
		),
		mcp.WithNumber("skip_intervals",
			mcp.Description("Intervals to skip between runs, 0 = every interval"),
			mcp.Min(0),
		),
		mcp.WithString("next_run",
			mcp.Description("First due time as RFC3339; default one interval from now"),
		),
		mcp.WithBoolean("notify_on_run",
			mcp.Description("Send a notification after each run"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List all scheduled tasks ordered by due time"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task including its run statistics"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("Update a task's schedule or status"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("schedule_interval",
			mcp.Description("New recurrence unit"),
			mcp.Enum("minutes", "hours", "days", "weeks", "months", "years"),
		),
		mcp.WithNumber("skip_intervals",
			mcp.Description("New skip count"),
			mcp.Min(0),
		),
		mcp.WithString("next_run",
			mcp.Description("New due time as RFC3339"),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Pause or resume the task"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task immediately and record the result"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the coming due times for an interval schedule"),
		mcp.WithString("schedule_interval",
			mcp.Required(),
			mcp.Description("Recurrence unit"),
			mcp.Enum("minutes", "hours", "days", "weeks", "months", "years"),
		),
		mcp.WithNumber("skip_intervals",
			mcp.Description("Intervals to skip between runs"),
			mcp.Min(0),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of due times to show, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handlePreview)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectPath := mcp.ParseString(request, "project_path", "")
	entryModule := mcp.ParseString(request, "entry_module", "")
	if projectPath == "" || entryModule == "" {
		return mcp.NewToolResultError("project_path and entry_module are required"), nil
	}

	interval, err := core.ParseInterval(mcp.ParseString(request, "schedule_interval", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule interval: %v", err)), nil
	}
	skip := int(mcp.ParseFloat64(request, "skip_intervals", 0))
	if skip < 0 {
		skip = 0
	}

	now := time.Now().In(s.location)
	var nextRun time.Time
	if raw := mcp.ParseString(request, "next_run", ""); raw != "" {
		nextRun, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("next_run must be RFC3339: %v", err)), nil
		}
	} else {
		nextRun, err = core.Advance(now, interval, skip, now)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("compute first due time: %v", err)), nil
		}
	}

	task := &core.Task{
		ID:            core.NewID(),
		ProjectName:   mcp.ParseString(request, "project_name", ""),
		ProjectPath:   projectPath,
		EntryModule:   entryModule,
		NextRun:       nextRun.UTC(),
		Interval:      interval,
		SkipIntervals: skip,
		Status:        core.TaskStatusActive,
		NotifyOnRun:   mcp.ParseBoolean(request, "notify_on_run", false),
		CreatedAt:     time.Now().UTC(),
		History:       core.NewHistory(),
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}

	s.logger.Info("task created", "task_id", task.ID, "interval", interval, "next_run", task.NextRun)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s\nEvery: %d %s",
		task.ID, formatTime(&task.NextRun), skip+1, interval)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks registered"), nil
	}

	result := fmt.Sprintf("%d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		marker := "active"
		if t.Status == core.TaskStatusPaused {
			marker = "paused"
		}
		result += fmt.Sprintf("[%s] %s — %s\n", marker, t.ID, t.DisplayName())
		result += fmt.Sprintf("  next run: %s, every %d %s\n", formatTime(&t.NextRun), t.SkipIntervals+1, t.Interval)
		result += fmt.Sprintf("  runs: %d, history: %s\n\n", t.RunCount, t.History)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrTaskNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}

	result := fmt.Sprintf("Task ID: %s\n", task.ID)
	if task.ProjectName != "" {
		result += fmt.Sprintf("Name: %s\n", task.ProjectName)
	}
	result += fmt.Sprintf("Script: %s in %s\n", task.EntryModule, task.ProjectPath)
	result += fmt.Sprintf("Status: %s\n", task.Status)
	result += fmt.Sprintf("Schedule: every %d %s\n", task.SkipIntervals+1, task.Interval)
	result += fmt.Sprintf("Next run: %s\n", formatTime(&task.NextRun))
	result += fmt.Sprintf("Notify on run: %t\n", task.NotifyOnRun)
	if task.LastRun != nil {
		result += fmt.Sprintf("Last run: %s\n", formatTime(task.LastRun))
	}
	result += fmt.Sprintf("Run count: %d\n", task.RunCount)
	if task.LastExecSecs != nil {
		result += fmt.Sprintf("Last duration: %.3fs\n", *task.LastExecSecs)
	}
	if task.AvgExecSecs != nil {
		result += fmt.Sprintf("Average duration: %.3fs\n", *task.AvgExecSecs)
	}
	result += fmt.Sprintf("History (newest first): %s\n", task.History)
	if task.LastNote != "" {
		result += fmt.Sprintf("Last note: %s\n", truncateString(task.LastNote, 400))
	}
	result += fmt.Sprintf("Created: %s\n", formatTime(&task.CreatedAt))

	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrTaskNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}

	if raw := mcp.ParseString(request, "schedule_interval", ""); raw != "" {
		interval, err := core.ParseInterval(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule interval: %v", err)), nil
		}
		task.Interval = interval
	}
	if skip := mcp.ParseFloat64(request, "skip_intervals", -1); skip >= 0 {
		task.SkipIntervals = int(skip)
	}
	if raw := mcp.ParseString(request, "next_run", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("next_run must be RFC3339: %v", err)), nil
		}
		task.NextRun = parsed.UTC()
	}
	if request.GetArguments()["paused"] != nil {
		status := core.TaskStatusActive
		if mcp.ParseBoolean(request, "paused", false) {
			status = core.TaskStatusPaused
		}
		if status != task.Status {
			task.Status = status
			changed := time.Now().UTC()
			task.StatusChangeAt = &changed
		}
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s\nStatus: %s\nNext run: %s",
		task.ID, task.Status, formatTime(&task.NextRun))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		if err == store.ErrTaskNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("delete task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrTaskNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}

	start := time.Now()
	stdout, errText := s.runner.Run(ctx, task)
	elapsed := time.Since(start).Seconds()

	res := core.RunResult{Stdout: stdout, Stderr: errText, Duration: elapsed}
	updated, err := core.ApplyRunResult(*task, res, time.Now(), s.location)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task failed: %v", err)), nil
	}
	if err := s.store.UpdateTask(ctx, &updated); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("persist run result failed: %v", err)), nil
	}

	outcome := "succeeded"
	if !res.Succeeded() {
		outcome = "failed"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s %s in %.3fs\nNext run: %s\nNote: %s",
		task.ID, outcome, elapsed, formatTime(&updated.NextRun), truncateString(updated.LastNote, 400))), nil
}

func (s *MCPServer) handlePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	interval, err := core.ParseInterval(mcp.ParseString(request, "schedule_interval", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule interval: %v", err)), nil
	}
	skip := int(mcp.ParseFloat64(request, "skip_intervals", 0))
	count := int(mcp.ParseFloat64(request, "count", 5))

	now := time.Now().In(s.location)
	result := fmt.Sprintf("Every %d %s, timezone %s\n\nUpcoming due times:\n", skip+1, interval, s.location)
	due := now
	for i := 0; i < count; i++ {
		due, err = core.Advance(due, interval, skip, due)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("advance schedule: %v", err)), nil
		}
		result += fmt.Sprintf("  %d. %s\n", i+1, due.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
