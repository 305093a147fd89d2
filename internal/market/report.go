package market

import "time"

// OutcomeKind classifies how one instrument finished a cycle.
type OutcomeKind string

const (
	OutcomeEntered OutcomeKind = "entered"
	OutcomeClosed  OutcomeKind = "closed"
	OutcomeHeld    OutcomeKind = "held"
	OutcomeWaiting OutcomeKind = "waiting"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeDryRun  OutcomeKind = "dry_run"
	OutcomeError   OutcomeKind = "error"
)

// InstrumentOutcome records the result of one instrument's evaluation in a
// cycle, including any execution failure. Err is a string so reports stay
// serializable.
type InstrumentOutcome struct {
	Instrument string
	Kind       OutcomeKind
	Detail     string
	Err        string
}

// CycleReport aggregates one orchestrator pass. A cycle where every
// instrument errored is distinct from one with mixed results.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Equity     float64
	Available  float64
	Outcomes   []InstrumentOutcome
	Entered    int
	Closed     int
	Held       int
	Errors     int
	AllFailed  bool
	Abandoned  bool
	AbandonWhy string
}

// Notifier receives human-facing reports. Implementations must swallow their
// own failures; a broken notifier never fails a trading cycle.
type Notifier interface {
	ReportCycle(r CycleReport)
	ReportEvent(text string)
}

// NopNotifier discards all reports.
type NopNotifier struct{}

func (NopNotifier) ReportCycle(CycleReport) {}
func (NopNotifier) ReportEvent(string)      {}
