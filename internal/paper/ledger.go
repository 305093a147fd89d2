package paper

import (
	"sync"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/execution"
)

// FillRecorder captures execution outcomes for later inspection.
type FillRecorder interface {
	Record(execution.FillReport)
}

// Ledger stores fill reports in memory.
type Ledger struct {
	mu    sync.Mutex
	fills []execution.FillReport
}

func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{fills: make([]execution.FillReport, 0, capacity)}
}

// Record appends a fill report to the ledger.
func (l *Ledger) Record(rep execution.FillReport) {
	l.mu.Lock()
	l.fills = append(l.fills, rep)
	l.mu.Unlock()
}

// Snapshot returns a copy of the recorded reports.
func (l *Ledger) Snapshot() []execution.FillReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.FillReport, len(l.fills))
	copy(out, l.fills)
	return out
}

// Reset clears all stored reports.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.mu.Unlock()
}
