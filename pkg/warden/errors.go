package warden

import (
	"errors"
	"fmt"

	"github.com/noxguard/warden/pkg/domain"
)

// ErrQuarantined rejects execution of a denied plugin before any
// session resources are allocated.
var ErrQuarantined = errors.New("plugin is quarantined")

// ErrTimeout marks an execution that ran past its wall-clock limit.
var ErrTimeout = errors.New("plugin execution timed out")

// ErrAborted marks an execution cut short because the session crossed
// the violation threshold.
var ErrAborted = errors.New("session aborted: violation threshold exceeded")

// ExecutionError wraps an error returned by the plugin callable itself.
type ExecutionError struct {
	PluginID domain.PluginID
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed: %v", e.PluginID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
