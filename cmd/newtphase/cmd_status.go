package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/store"
	"github.com/newtron-network/newtphase/pkg/topology"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded runs and phase outcomes",
		Long: `Show the runs recorded in the state database.

Without --run, lists recent runs and, when a topology is configured, the
latest recorded state of each phase. With --run, shows that run's phases,
device steps and every assertion that did not pass.

Examples:
  newtphase status
  newtphase status --run 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.statePath
			if path == "" {
				path = a.settings.GetStateDB()
			}
			st, err := store.Open(path)
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer st.Close()

			if runID != "" {
				return a.showRun(cmd, st, runID)
			}
			return a.showRuns(cmd, st, limit)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Show one run in detail")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

func (a *app) showRuns(cmd *cobra.Command, st *store.Store, limit int) error {
	ctx := cmd.Context()
	runs, err := st.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(a.out, "no runs recorded in %s\n", st.Path())
	}
	t := cli.NewTableTo(a.out, "RUN", "MODE", "STATE", "OPERATOR", "STARTED", "DURATION")
	for _, r := range runs {
		t.Row(r.ID, r.Mode, cli.State(r.State), r.User, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
	}
	t.Flush()

	// The ledger needs phase ids; skip it quietly when no topology is set.
	if a.topologyPath == "" && a.inventory == "" {
		return nil
	}
	topo, _, err := a.loadTopology(ctx)
	if err != nil {
		return err
	}
	return a.showLedger(cmd, st, topo)
}

func (a *app) showLedger(cmd *cobra.Command, st *store.Store, topo *topology.Topology) error {
	fmt.Fprintln(a.out)
	t := cli.NewTableTo(a.out, "PHASE", "NAME", "STATE", "RUN", "FINISHED")
	for _, ph := range topo.Phases() {
		latest, err := st.LatestPhaseState(cmd.Context(), ph.ID)
		if err != nil {
			t.Row(strconv.Itoa(ph.ID), ph.Name, cli.Dim("pending"), "-", "-")
			continue
		}
		t.Row(strconv.Itoa(ph.ID), ph.Name, cli.State(latest.State), latest.RunID,
			latest.FinishedAt.Local().Format(time.DateTime))
	}
	t.Flush()
	return nil
}

func (a *app) showRun(cmd *cobra.Command, st *store.Store, id string) error {
	ctx := cmd.Context()
	r, err := st.GetRun(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Run:      %s\n", r.ID)
	fmt.Fprintf(a.out, "Mode:     %s\n", r.Mode)
	fmt.Fprintf(a.out, "State:    %s\n", cli.State(r.State))
	fmt.Fprintf(a.out, "Operator: %s\n", r.User)
	fmt.Fprintf(a.out, "Topology: %s\n", r.Topology)
	fmt.Fprintf(a.out, "Started:  %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), runDuration(*r))

	phases, err := st.PhaseOutcomes(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range phases {
		fmt.Fprintf(a.out, "\nPhase %d: %s", p.Phase, cli.State(p.State))
		if p.FailureKind != "" {
			fmt.Fprintf(a.out, " (%s)", p.FailureKind)
		}
		if p.Subset {
			fmt.Fprint(a.out, cli.Dim(" [device subset]"))
		}
		fmt.Fprintln(a.out)
		if p.Diagnostic != "" {
			fmt.Fprintf(a.out, "  %s\n", cli.Dim(p.Diagnostic))
		}

		outcomes, err := st.DeviceOutcomes(ctx, id, p.Phase)
		if err != nil {
			return err
		}
		dt := cli.NewTableTo(a.out, "DEVICE", "STEP", "RESULT", "COMMANDS", "ERROR").WithPrefix("  ")
		for _, o := range outcomes {
			result := cli.Green("ok")
			if !o.OK {
				result = cli.Red("failed")
			}
			dt.Row(o.Device, o.Step, result, strconv.Itoa(o.Commands), o.Error)
		}
		dt.Flush()

		results, err := st.Results(ctx, id, p.Phase)
		if err != nil {
			return err
		}
		rt := cli.NewTableTo(a.out, "DEVICE", "ASSERTION", "OUTCOME", "EXPECTED", "OBSERVED").WithPrefix("  ")
		passed := 0
		for _, res := range results {
			if res.Passed() {
				passed++
				continue
			}
			rt.Row(res.Device, res.Assertion, cli.Outcome(string(res.Outcome)), res.Expected, res.Observed)
		}
		if len(results) > 0 {
			fmt.Fprintf(a.out, "  assertions: %d/%d passed\n", passed, len(results))
		}
		rt.Flush()
	}
	return nil
}

func runDuration(r store.Run) string {
	if r.FinishedAt.IsZero() {
		return "running"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
