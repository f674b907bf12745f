package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/pipeline"
)

// runFlags are shared by run, plan and validate.
type runFlags struct {
	phases  []string
	all     bool
	devices []string
	workers int
	runID   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.phases, "phase", "p", nil, "Phase id or name (repeatable)")
	cmd.Flags().BoolVar(&f.all, "all", false, "Every phase, in dependency order")
	cmd.Flags().StringSliceVarP(&f.devices, "device", "d", nil, "Restrict to these devices")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run id (default: generated)")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Devices handled concurrently (default from settings)")
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render, apply and validate phases",
		Long: `Render, apply and validate one or more phases.

Each selected phase runs only after the phases it depends on have passed,
in this run or an earlier one. A pass limited to some devices with -d does
not count: dependents need a pass over every device of the phase. Devices
are converged concurrently; no device is validated until every device of
the phase has been applied.

Examples:
  newtphase run -p core-ospf
  newtphase run --all
  newtphase run -p 2 -d core1,core2 -w 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, &f, pipeline.ModeFull)
		},
	}
	f.register(cmd)
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the commands a run would push",
		Long: `Render the selected phases and diff them against each device's running
configuration. Nothing is pushed and nothing is validated.

Examples:
  newtphase plan -p core-ldp
  newtphase plan --all -d core3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, &f, pipeline.ModeDryRun)
		},
	}
	f.register(cmd)
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate phases against live device state",
		Long: `Evaluate the assertions of the selected phases against the devices as
they are now, without rendering or pushing anything.

Examples:
  newtphase validate -p 1
  newtphase validate --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, &f, pipeline.ModeValidateOnly)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) runPipeline(cmd *cobra.Command, f *runFlags, mode pipeline.Mode) error {
	ctx := cmd.Context()
	e, err := a.openPipeline(ctx, f.workers)
	if err != nil {
		return err
	}
	defer e.Close()

	phases, err := resolvePhases(e.topo, f.phases, f.all)
	if err != nil {
		return err
	}

	rep, err := e.pipeline.Run(ctx, pipeline.RunOptions{
		Mode:    mode,
		Phases:  phases,
		Devices: f.devices,
		RunID:   f.runID,
	})
	if err != nil {
		return err
	}

	switch mode {
	case pipeline.ModeDryRun:
		a.printPlan(rep)
	case pipeline.ModeValidateOnly:
		a.printResults(rep)
	}
	a.printSummary(rep)
	return reportError(rep)
}

func (a *app) printPlan(rep *pipeline.RunReport) {
	for _, pr := range rep.Phases {
		for _, d := range pr.Devices {
			if d.Plan == nil {
				continue
			}
			fmt.Fprintln(a.out)
			if d.Plan.IsEmpty() {
				fmt.Fprintf(a.out, "%s phase %d: %s\n", cli.Bold(d.Device), pr.Phase, cli.Dim("no changes"))
				continue
			}
			fmt.Fprint(a.out, d.Plan.Preview())
		}
	}
}

func (a *app) printResults(rep *pipeline.RunReport) {
	t := cli.NewTableTo(a.out, "PHASE", "DEVICE", "ASSERTION", "OUTCOME", "OBSERVED")
	rows := 0
	for _, pr := range rep.Phases {
		for _, r := range pr.Results() {
			if r.Passed() && !a.verbose {
				continue
			}
			t.Row(fmt.Sprint(pr.Phase), r.Device, r.Assertion, cli.Outcome(string(r.Outcome)), r.Observed)
			rows++
		}
	}
	if rows > 0 {
		fmt.Fprintln(a.out)
		t.Flush()
	}
}

func (a *app) printSummary(rep *pipeline.RunReport) {
	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "Run %s (%s): %s\n", rep.RunID, rep.Mode, cli.State(string(rep.State())))
	var failures []string
	for _, pr := range rep.Phases {
		if pr.Passed() || pr.State == pipeline.StatePlanned {
			continue
		}
		failures = append(failures, pr.Failures()...)
	}
	if len(failures) > 0 {
		fmt.Fprintln(a.out, "  "+strings.Join(failures, "\n  "))
	}
}
