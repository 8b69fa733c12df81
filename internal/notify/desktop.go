package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier shows a native desktop notification: osascript on macOS,
// notify-send elsewhere.
type DesktopNotifier struct{}

func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{}
}

func (d *DesktopNotifier) Send(ctx context.Context, title, body string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	} else {
		cmd = exec.CommandContext(ctx, "notify-send", title, body)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("desktop notification: %w: %s", err, out)
	}
	return nil
}
