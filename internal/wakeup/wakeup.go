// Package wakeup arms a one-shot OS wake-up so the engine is invoked again
// at the next task's due time. Exactly one wake-up is registered at a time;
// arming replaces any previously armed one.
package wakeup

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Scheduler registers a single future invocation of the given command.
type Scheduler interface {
	Arm(ctx context.Context, at time.Time) error
}

// ForPlatform returns the scheduler for the current OS: launchd on macOS,
// a transient systemd user timer on Linux, a no-op elsewhere.
func ForPlatform(command []string, label string, logger *slog.Logger) Scheduler {
	switch runtime.GOOS {
	case "darwin":
		return NewLaunchdScheduler(command, label, logger)
	case "linux":
		return NewSystemdScheduler(command, label, logger)
	default:
		logger.Warn("no wake-up scheduler for this platform", "goos", runtime.GOOS)
		return NopScheduler{}
	}
}

// NopScheduler ignores arm requests.
type NopScheduler struct{}

func (NopScheduler) Arm(ctx context.Context, at time.Time) error { return nil }
