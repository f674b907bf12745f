// Package audit records every configuration push as a JSON-lines event.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operation names what touched the device.
type Operation string

const (
	OpApply Operation = "apply"
	OpPlan  Operation = "plan"
)

// Event is one configuration push (or attempted push) to one device.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Device    string    `json:"device"`
	Phase     int       `json:"phase"`
	Operation Operation `json:"operation"`
	// Version is the template version of the rendered configuration.
	Version  string   `json:"version,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Applied  int      `json:"applied"`
	// Rejected is the 1-based index of the rejected command, 0 if none.
	Rejected int    `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Before and After are the owned sections of the running configuration
	// around the push.
	Before    []string      `json:"before,omitempty"`
	After     []string      `json:"after,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	DryRun    bool          `json:"dry_run"`
	Duration  time.Duration `json:"duration"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Device      string
	RunID       string
	Phase       int
	Operation   Operation
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// Match reports whether e satisfies every set criterion.
func (f Filter) Match(e *Event) bool {
	switch {
	case f.Device != "" && e.Device != f.Device,
		f.RunID != "" && e.RunID != f.RunID,
		f.Phase != 0 && e.Phase != f.Phase,
		f.Operation != "" && e.Operation != f.Operation,
		!f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && e.Timestamp.After(f.EndTime),
		f.SuccessOnly && !e.Success,
		f.FailureOnly && e.Success:
		return false
	}
	return true
}

func (f Filter) page(events []*Event) []*Event {
	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return []*Event{}
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(events) {
		events = events[:f.Limit]
	}
	if events == nil {
		return []*Event{}
	}
	return events
}

// NewEvent creates a new audit event
func NewEvent(device string, phase int, op Operation) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Device:    device,
		Phase:     phase,
		Operation: op,
		DryRun:    op == OpPlan,
	}
}

// WithRun tags the event with the pipeline run and the invoking user.
func (e *Event) WithRun(runID, user string) *Event {
	e.RunID = runID
	e.User = user
	return e
}

// WithVersion sets the template version
func (e *Event) WithVersion(v string) *Event {
	e.Version = v
	return e
}

// WithCommands sets the command diff
func (e *Event) WithCommands(cmds []string) *Event {
	e.Commands = cmds
	return e
}

// WithExcerpts sets the before/after configuration excerpts.
func (e *Event) WithExcerpts(before, after []string) *Event {
	e.Before = before
	e.After = after
	return e
}

// WithCommit records how many commands were accepted and which one, if any,
// was rejected.
func (e *Event) WithCommit(applied, rejected int, reason string) *Event {
	e.Applied = applied
	e.Rejected = rejected
	e.Reason = reason
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed. kind classifies the failure
// ("partial-apply", "unreachable", ...).
func (e *Event) WithError(kind string, err error) *Event {
	e.Success = false
	e.ErrorKind = kind
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}
