package session

import (
	"os"
	"sync"
)

// The process working directory is global, but sessions run
// concurrently. Entry and exit are refcounted: the first session in
// records the original directory, the last one out restores it. In
// between, the directory points at whichever workspace entered most
// recently, which is fine because every path a session hands out is
// absolute.
var workdir struct {
	mu    sync.Mutex
	depth int
	saved string
}

// enterWorkspace moves the process into the workspace root.
func enterWorkspace(root string) error {
	workdir.mu.Lock()
	defer workdir.mu.Unlock()

	if workdir.depth == 0 {
		saved, err := os.Getwd()
		if err != nil {
			return err
		}
		workdir.saved = saved
	}
	if err := os.Chdir(root); err != nil {
		return err
	}
	workdir.depth++
	return nil
}

// exitWorkspace releases one entry; when the last session leaves, the
// original directory is restored.
func exitWorkspace() error {
	workdir.mu.Lock()
	defer workdir.mu.Unlock()

	if workdir.depth == 0 {
		return nil
	}
	workdir.depth--
	if workdir.depth == 0 {
		return os.Chdir(workdir.saved)
	}
	return nil
}
