package monitor

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/noxguard/warden/pkg/domain"
)

// Target abstracts the monitored process so the poll loop can be tested
// against a fake. The production implementation wraps gopsutil.
type Target interface {
	Pid() int32
	Running() (bool, error)

	// Sample returns current resource usage. Timestamp and
	// ElapsedSeconds are filled in by the monitor.
	Sample() (domain.ResourceSample, error)

	// Terminate requests a graceful stop (SIGTERM).
	Terminate() error

	// Kill stops the process forcefully (SIGKILL).
	Kill() error

	// LowerPriority drops the process scheduling priority. Best-effort
	// and platform-dependent.
	LowerPriority() error

	// ReclaimHint asks the process to give memory back. Only possible
	// when the target is the host process itself.
	ReclaimHint() error
}

// ProcessTarget is the gopsutil-backed Target.
type ProcessTarget struct {
	proc *process.Process
}

// NewProcessTarget attaches to an existing process by PID.
func NewProcessTarget(pid int32) (*ProcessTarget, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", pid, err)
	}
	return &ProcessTarget{proc: proc}, nil
}

// SelfTarget attaches to the host process. Used when the callable runs
// in-process; monitoring is then advisory and termination is disabled.
func SelfTarget() (*ProcessTarget, error) {
	return NewProcessTarget(int32(os.Getpid()))
}

func (t *ProcessTarget) Pid() int32 {
	return t.proc.Pid
}

func (t *ProcessTarget) Running() (bool, error) {
	return t.proc.IsRunning()
}

func (t *ProcessTarget) Sample() (domain.ResourceSample, error) {
	var s domain.ResourceSample

	mem, err := t.proc.MemoryInfo()
	if err != nil {
		return s, fmt.Errorf("failed to read memory info: %w", err)
	}
	s.MemoryMB = float64(mem.RSS) / (1024 * 1024)

	// CPUPercent measures utilization since the previous call, which
	// lines up with the fixed poll interval.
	if cpu, err := t.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if threads, err := t.proc.NumThreads(); err == nil {
		s.ThreadCount = int(threads)
	}
	if files, err := t.proc.OpenFiles(); err == nil {
		s.OpenHandleCount = len(files)
	}
	return s, nil
}

func (t *ProcessTarget) Terminate() error {
	return t.proc.Terminate()
}

func (t *ProcessTarget) Kill() error {
	return t.proc.Kill()
}

func (t *ProcessTarget) LowerPriority() error {
	return lowerPriority(int(t.proc.Pid))
}

func (t *ProcessTarget) ReclaimHint() error {
	if int(t.proc.Pid) != os.Getpid() {
		return fmt.Errorf("no reclamation channel to external process %d", t.proc.Pid)
	}
	debug.FreeOSMemory()
	return nil
}
