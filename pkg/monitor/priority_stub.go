//go:build !linux

package monitor

import "fmt"

func lowerPriority(pid int) error {
	return fmt.Errorf("priority adjustment not supported on this platform")
}
