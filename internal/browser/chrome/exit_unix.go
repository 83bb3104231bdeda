//go:build unix

package chrome

import (
	"os/exec"
	"syscall"

	"github.com/JakeFAU/prerender/internal/browser"
)

func closeEvent(cmd *exec.Cmd, _ error) browser.CloseEvent {
	ev := browser.CloseEvent{Code: -1}
	if cmd.Process != nil {
		ev.PID = cmd.Process.Pid
	}
	state := cmd.ProcessState
	if state == nil {
		return ev
	}
	ev.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ev.Signal = ws.Signal().String()
	}
	return ev
}
