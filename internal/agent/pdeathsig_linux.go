//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// setPdeathsig asks the kernel to SIGTERM the child if this process dies,
// so orphaned agents do not outlive a crashed daemon.
func setPdeathsig(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGTERM
}
