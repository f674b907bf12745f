package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/newtron-network/newtphase/pkg/apply"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

// State is where a phase is in its lifecycle within one run.
type State string

const (
	StatePending    State = "pending"
	StateRendering  State = "rendering"
	StateApplying   State = "applying"
	StateValidating State = "validating"
	StatePassed     State = "passed"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
	// StatePlanned ends a dry run: rendered and diffed, nothing pushed.
	StatePlanned State = "planned"
	// StateSkipped marks a phase whose dependencies had not passed.
	StateSkipped State = "skipped"
)

// Terminal reports whether s ends the phase for this run.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateCanceled, StatePlanned, StateSkipped:
		return true
	}
	return false
}

// FailureKind says which step stopped a phase.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureRender         FailureKind = "render"
	FailureApply          FailureKind = "apply"
	FailureValidation     FailureKind = "validation"
	FailureInfrastructure FailureKind = "infrastructure"
	FailureDependency     FailureKind = "dependency"
	FailureCanceled       FailureKind = "canceled"
)

// Mode selects which steps a run performs.
type Mode string

const (
	// ModeFull renders, applies and validates.
	ModeFull Mode = "full"
	// ModeDryRun renders and diffs against the running configuration.
	ModeDryRun Mode = "dry-run"
	// ModeValidateOnly re-runs validation against the devices as they are.
	ModeValidateOnly Mode = "validate-only"
)

// ParseMode accepts a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeDryRun, ModeValidateOnly:
		return m, nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown mode %q (full, dry-run, validate-only)", s)
}

// DeviceReport is one device's part of a phase.
type DeviceReport struct {
	Device    string
	Rendered  *render.RenderedConfig
	RenderErr error

	// Plan is set by dry runs.
	Plan    *apply.ChangeSet
	PlanErr error

	Applied  *apply.Result
	ApplyErr error

	Results     []validate.Result
	ValidateErr error
}

// Err returns the first step error recorded for the device.
func (d *DeviceReport) Err() error {
	for _, err := range []error{d.RenderErr, d.PlanErr, d.ApplyErr, d.ValidateErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// PhaseReport is the outcome of one phase in one run.
type PhaseReport struct {
	RunID   string
	Phase   int
	Name    string
	Mode    Mode
	State   State
	Failure FailureKind
	// Subset is set when the run covered only some of the phase's devices.
	// A subset pass does not satisfy later phases on its own.
	Subset bool
	// Err summarises why the phase did not pass.
	Err      error
	Devices  []*DeviceReport
	Started  time.Time
	Finished time.Time
}

// Passed reports whether the phase passed.
func (r *PhaseReport) Passed() bool { return r.State == StatePassed }

// Device returns the report for name, or nil.
func (r *PhaseReport) Device(name string) *DeviceReport {
	for _, d := range r.Devices {
		if d.Device == name {
			return d
		}
	}
	return nil
}

// Results returns every validation result of the phase in device order.
func (r *PhaseReport) Results() []validate.Result {
	var out []validate.Result
	for _, d := range r.Devices {
		out = append(out, d.Results...)
	}
	return out
}

// Failures lists one line per problem: device step errors and assertions
// that did not pass, each naming the phase, device and step or assertion.
func (r *PhaseReport) Failures() []string {
	var out []string
	for _, d := range r.Devices {
		if err := d.Err(); err != nil {
			out = append(out, fmt.Sprintf("phase %d %s: %s: %v", r.Phase, d.Device, stepOf(d), err))
		}
		for _, res := range d.Results {
			if res.Passed() {
				continue
			}
			line := fmt.Sprintf("phase %d %s: %s %s: expected %s, observed %s",
				r.Phase, d.Device, res.Assertion, res.Outcome, res.Expected, orDash(res.Observed))
			if res.Diagnostic != "" {
				line += " (" + res.Diagnostic + ")"
			}
			out = append(out, line)
		}
	}
	if len(out) == 0 && r.Err != nil {
		out = append(out, fmt.Sprintf("phase %d: %v", r.Phase, r.Err))
	}
	return out
}

func stepOf(d *DeviceReport) string {
	switch {
	case d.RenderErr != nil:
		return "render"
	case d.PlanErr != nil:
		return "plan"
	case d.ApplyErr != nil:
		return "apply"
	}
	return "validate"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RunReport collects the phases of one run.
type RunReport struct {
	RunID    string
	Mode     Mode
	Phases   []*PhaseReport
	Started  time.Time
	Finished time.Time
}

// State is the run's overall state: the first phase that did not pass (or
// plan, for dry runs) decides it. Phases skipped because the device filter
// left nothing to do are ignored.
func (r *RunReport) State() State {
	for _, p := range r.Phases {
		if p.State == StateSkipped && p.Failure == FailureNone {
			continue
		}
		if p.State != StatePassed && p.State != StatePlanned {
			return p.State
		}
	}
	if r.Mode == ModeDryRun {
		return StatePlanned
	}
	return StatePassed
}

// Failure returns the failure kind of the first phase that did not pass.
func (r *RunReport) Failure() FailureKind {
	for _, p := range r.Phases {
		if p.Failure != FailureNone {
			return p.Failure
		}
	}
	return FailureNone
}

// applyFailure maps an apply error onto a failure kind.
func applyFailure(err error) FailureKind {
	var ae *apply.ApplyError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apply.KindCommitRejected, apply.KindPartialApply:
			return FailureApply
		case apply.KindCanceled:
			return FailureCanceled
		}
		return FailureInfrastructure
	}
	switch {
	case errors.Is(err, util.ErrCanceled):
		return FailureCanceled
	case util.IsTransient(err), errors.Is(err, util.ErrDeviceLocked):
		return FailureInfrastructure
	}
	return FailureApply
}
