package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// SystemdScheduler arms wake-ups as transient systemd user timers via
// systemd-run. The unit name is derived from the label so re-arming
// replaces the pending timer.
type SystemdScheduler struct {
	command []string
	unit    string
	logger  *slog.Logger
}

// NewSystemdScheduler builds a scheduler invoking command at the armed time.
func NewSystemdScheduler(command []string, label string, logger *slog.Logger) *SystemdScheduler {
	return &SystemdScheduler{
		command: command,
		unit:    strings.ReplaceAll(label, ".", "-"),
		logger:  logger,
	}
}

func (s *SystemdScheduler) Arm(ctx context.Context, at time.Time) error {
	// Drop any pending timer from a previous arm; failures only mean there
	// was none.
	for _, suffix := range []string{".timer", ".service"} {
		if out, err := exec.CommandContext(ctx, "systemctl", "--user", "stop", s.unit+suffix).CombinedOutput(); err != nil {
			s.logger.Debug("systemctl stop", "unit", s.unit+suffix, "err", err, "output", strings.TrimSpace(string(out)))
		}
	}

	args := []string{
		"--user",
		"--unit=" + s.unit,
		"--on-calendar=" + at.Format("2006-01-02 15:04:05"),
		"--timer-property=AccuracySec=1s",
	}
	args = append(args, s.command...)

	if out, err := exec.CommandContext(ctx, "systemd-run", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("systemd-run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("wake-up armed via systemd", "at", at, "unit", s.unit)
	return nil
}
