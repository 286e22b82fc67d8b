package harness

import "github.com/roach88/unirep/internal/engine"

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Step int    `json:"step"`
	Type string `json:"type"` // "ingest", "update", "drain" or "advance"

	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`

	// Pass is kept out of snapshots; its counters depend on scheduling.
	Pass *engine.PassResult `json:"-"`
}

// Result holds the outcome of a scenario run.
type Result struct {
	// Pass is true when no step expectation or assertion failed.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Snapshot is the final state used for golden comparison.
	Snapshot *Snapshot `json:"-"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Pass = false
	r.Errors = append(r.Errors, err)
}

// AddTrace appends a step record.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
