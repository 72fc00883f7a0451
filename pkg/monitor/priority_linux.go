//go:build linux

package monitor

import "golang.org/x/sys/unix"

// lowerPriority renices the process to a below-normal priority.
func lowerPriority(pid int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, 10)
}
