//go:build !linux

package agent

import "os/exec"

// setPdeathsig is a no-op off Linux; parent-death signalling is a Linux
// prctl feature.
func setPdeathsig(cmd *exec.Cmd) {}
