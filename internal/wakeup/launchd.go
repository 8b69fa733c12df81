package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

// launchd ignores seconds in StartCalendarInterval, so wake-ups land on
// minute boundaries. The driver's own due-time sleep covers the remainder.
var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
{{- range .Args}}
		<string>{{.}}</string>
{{- end}}
	</array>
	<key>StartCalendarInterval</key>
	<dict>
		<key>Year</key>
		<integer>{{.Year}}</integer>
		<key>Month</key>
		<integer>{{.Month}}</integer>
		<key>Day</key>
		<integer>{{.Day}}</integer>
		<key>Hour</key>
		<integer>{{.Hour}}</integer>
		<key>Minute</key>
		<integer>{{.Minute}}</integer>
	</dict>
	<key>RunAtLoad</key>
	<false/>
	<key>KeepAlive</key>
	<false/>
</dict>
</plist>
`))

type plistData struct {
	Label  string
	Args   []string
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// LaunchdScheduler arms wake-ups by writing a LaunchAgent plist with a
// calendar trigger and reloading it through launchctl.
type LaunchdScheduler struct {
	command  []string
	label    string
	agentDir string
	logger   *slog.Logger
}

// NewLaunchdScheduler builds a scheduler that invokes command at the armed
// time. label names the launch agent; re-arming replaces it.
func NewLaunchdScheduler(command []string, label string, logger *slog.Logger) *LaunchdScheduler {
	home, _ := os.UserHomeDir()
	return &LaunchdScheduler{
		command:  command,
		label:    label,
		agentDir: filepath.Join(home, "Library", "LaunchAgents"),
		logger:   logger,
	}
}

func (s *LaunchdScheduler) Arm(ctx context.Context, at time.Time) error {
	plist, err := renderPlist(s.label, s.command, at)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.agentDir, 0o755); err != nil {
		return fmt.Errorf("ensure launch agents dir: %w", err)
	}
	path := filepath.Join(s.agentDir, s.label+".plist")

	// Unload the previous agent first; an error just means none was loaded.
	if _, statErr := os.Stat(path); statErr == nil {
		if out, err := exec.CommandContext(ctx, "launchctl", "unload", path).CombinedOutput(); err != nil {
			s.logger.Debug("launchctl unload", "err", err, "output", strings.TrimSpace(string(out)))
		}
	}

	if err := os.WriteFile(path, []byte(plist), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if out, err := exec.CommandContext(ctx, "launchctl", "load", path).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %w: %s", err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("wake-up armed via launchd", "at", at, "plist", path)
	return nil
}

func renderPlist(label string, args []string, at time.Time) (string, error) {
	var buf strings.Builder
	data := plistData{
		Label:  label,
		Args:   args,
		Year:   at.Year(),
		Month:  int(at.Month()),
		Day:    at.Day(),
		Hour:   at.Hour(),
		Minute: at.Minute(),
	}
	if err := plistTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render plist: %w", err)
	}
	return buf.String(), nil
}
