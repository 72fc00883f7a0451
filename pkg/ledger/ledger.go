package ledger

import (
	"sync"

	"github.com/noxguard/warden/pkg/domain"
)

// Ledger is an append-only log of violations for one session. It is
// shared by the session's guards, which write concurrently; readers take
// snapshots. After the guards are joined the contents are final.
type Ledger struct {
	mu         sync.Mutex
	violations []domain.Violation
}

func New() *Ledger {
	return &Ledger{}
}

// Append records a violation. It never fails; detection is
// non-disruptive by construction.
func (l *Ledger) Append(v domain.Violation) {
	l.mu.Lock()
	l.violations = append(l.violations, v)
	l.mu.Unlock()
}

// Snapshot returns a copy of the violations recorded so far.
func (l *Ledger) Snapshot() []domain.Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Violation, len(l.violations))
	copy(out, l.violations)
	return out
}

// Len returns the number of violations recorded so far.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.violations)
}
