package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/newtron-network/newtphase/pkg/apply"
	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/validate"
)

// Observer receives lifecycle callbacks during a run. Device callbacks
// arrive from worker goroutines; implementations must be safe for
// concurrent use.
type Observer interface {
	PhaseState(runID string, phase int, state State)
	DeviceApplied(runID string, phase int, device string, res *apply.Result, err error)
	DeviceValidated(runID string, phase int, device string, results []validate.Result, err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) PhaseState(string, int, State)                                 {}
func (NopObserver) DeviceApplied(string, int, string, *apply.Result, error)       {}
func (NopObserver) DeviceValidated(string, int, string, []validate.Result, error) {}

// consoleObserver is an append-only terminal progress reporter. It never
// rewrites lines, so output is safe for pipes and CI logs.
type consoleObserver struct {
	W       io.Writer
	Verbose bool

	mu      sync.Mutex
	started map[int]time.Time
}

// NewConsoleObserver creates an observer writing progress to w.
func NewConsoleObserver(w io.Writer, verbose bool) Observer {
	return &consoleObserver{W: w, Verbose: verbose, started: map[int]time.Time{}}
}

func (c *consoleObserver) PhaseState(runID string, phase int, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := fmt.Sprintf("[phase %d]", phase)
	switch state {
	case StatePending:
		c.started[phase] = time.Now()
	case StateRendering, StateApplying, StateValidating:
		if c.Verbose {
			fmt.Fprintf(c.W, "  %-10s %s\n", tag, cli.Dim(string(state)))
		}
	default:
		fmt.Fprintf(c.W, "  %-10s %s  (%s)\n", tag, colorState(state), formatDurationCompact(time.Since(c.started[phase])))
	}
}

func (c *consoleObserver) DeviceApplied(runID string, phase int, device string, res *apply.Result, err error) {
	if !c.Verbose && err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := cli.DotPad(device, 24)
	switch {
	case err != nil:
		fmt.Fprintf(c.W, "             %s %s  %s\n", name, cli.Red("apply failed"), cli.Dim(err.Error()))
	case res.NoOp():
		fmt.Fprintf(c.W, "             %s %s\n", name, cli.Dim("unchanged"))
	default:
		fmt.Fprintf(c.W, "             %s %s\n", name, cli.Green(fmt.Sprintf("%d commands", res.Applied)))
	}
}

func (c *consoleObserver) DeviceValidated(runID string, phase int, device string, results []validate.Result, err error) {
	failed := 0
	for _, r := range results {
		if !r.Passed() {
			failed++
		}
	}
	if !c.Verbose && err == nil && failed == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := cli.DotPad(device, 24)
	switch {
	case err != nil:
		fmt.Fprintf(c.W, "             %s %s  %s\n", name, cli.Red("ERROR"), cli.Dim(err.Error()))
	case failed == 0:
		fmt.Fprintf(c.W, "             %s %s\n", name, cli.Green(fmt.Sprintf("%d/%d", len(results), len(results))))
	default:
		fmt.Fprintf(c.W, "             %s %s\n", name, cli.Red(fmt.Sprintf("%d/%d", len(results)-failed, len(results))))
		for _, r := range results {
			if !r.Passed() {
				fmt.Fprintf(c.W, "               %s %s\n", r.Assertion, cli.Dim(r.Diagnostic))
			}
		}
	}
}

func colorState(s State) string {
	switch s {
	case StatePassed, StatePlanned:
		return cli.Green(string(s))
	case StateFailed, StateCanceled:
		return cli.Red(string(s))
	case StateSkipped:
		return cli.Yellow(string(s))
	}
	return string(s)
}

// formatDurationCompact formats a duration in a human-readable compact form.
func formatDurationCompact(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
