//go:build !unix

package chrome

import (
	"os/exec"

	"github.com/JakeFAU/prerender/internal/browser"
)

func closeEvent(cmd *exec.Cmd, _ error) browser.CloseEvent {
	ev := browser.CloseEvent{Code: -1}
	if cmd.Process != nil {
		ev.PID = cmd.Process.Pid
	}
	if cmd.ProcessState != nil {
		ev.Code = cmd.ProcessState.ExitCode()
	}
	return ev
}
