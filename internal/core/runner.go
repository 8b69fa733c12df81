package core

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
)

// maxRunAttempts bounds the retry policy: one initial attempt plus exactly
// one automatic retry on a non-zero exit.
const maxRunAttempts = 2

// defaultMaxCaptureBytes caps how much of each stream is kept per attempt.
const defaultMaxCaptureBytes = 1 << 20

// Runner executes one task and reports its captured streams. An empty
// error text means the run succeeded.
type Runner interface {
	Run(ctx context.Context, task *Task) (stdout, errText string)
}

// ScriptRunner runs a task's entry module as a child process of the
// configured interpreter, with the project directory as working directory.
type ScriptRunner struct {
	Interpreter     string
	MaxCaptureBytes int
	Logger          *slog.Logger
}

// NewScriptRunner creates a runner using the given interpreter binary.
func NewScriptRunner(interpreter string, logger *slog.Logger) *ScriptRunner {
	return &ScriptRunner{
		Interpreter:     interpreter,
		MaxCaptureBytes: defaultMaxCaptureBytes,
		Logger:          logger,
	}
}

// Run executes the task, retrying once on failure. On success the returned
// error text is empty. On failure the second attempt's output and error
// text are returned as captured, partial output included. The call blocks
// for the full duration of the child process; no timeout is imposed here.
func (r *ScriptRunner) Run(ctx context.Context, task *Task) (string, string) {
	script := filepath.Join(task.ProjectPath, task.EntryModule)

	var stdout, errText string
	for attempt := 1; attempt <= maxRunAttempts; attempt++ {
		var err error
		stdout, errText, err = r.runOnce(ctx, task, script)
		if err == nil {
			return stdout, ""
		}
		if attempt < maxRunAttempts {
			r.Logger.Warn("task attempt failed, retrying",
				"task_id", task.ID, "task", task.DisplayName(), "attempt", attempt, "err", err)
		}
	}
	return stdout, errText
}

func (r *ScriptRunner) runOnce(ctx context.Context, task *Task, script string) (string, string, error) {
	cap := r.MaxCaptureBytes
	if cap <= 0 {
		cap = defaultMaxCaptureBytes
	}
	stdoutBuf := &limitedBuffer{cap: cap}
	stderrBuf := &limitedBuffer{cap: cap}

	cmd := exec.CommandContext(ctx, r.Interpreter, script) // #nosec G204
	cmd.Dir = task.ProjectPath
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err := cmd.Run()
	if err == nil {
		return stdoutBuf.String(), "", nil
	}

	errText := stderrBuf.String()
	if errText == "" {
		// Process produced no stderr (or never started); keep the failure
		// visible in the error text anyway.
		errText = err.Error()
	}
	return stdoutBuf.String(), errText, err
}

// limitedBuffer caps the total bytes kept while still reporting full writes
// to the child process.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		if _, err := l.Buffer.Write(p[:left]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return l.Buffer.Write(p)
}
