package daemon

import (
	"os/signal"
	"syscall"
)

// setupProcessGroup makes the daemon a process group leader so agent
// children die with it. The returned func SIGTERMs the whole group and
// is deferred until exit.
func setupProcessGroup() func() {
	// May fail when we are already the group leader.
	syscall.Setpgid(0, 0)

	return func() {
		// The group includes this process. Ignore the signal first so
		// cleanup registered after this point still runs.
		signal.Ignore(syscall.SIGTERM)
		pgid, err := syscall.Getpgid(0)
		if err != nil {
			return
		}
		syscall.Kill(-pgid, syscall.SIGTERM)
	}
}
