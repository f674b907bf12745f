package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/pipeline"
	"github.com/newtron-network/newtphase/pkg/util"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		phases   []string
		all      bool
		devices  []string
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate phases on a schedule",
		Long: `Re-run validation of the selected phases on a cron schedule and report
phases that stop passing. Nothing is rendered or pushed. Every check is
recorded as a validate-only run.

The schedule accepts standard 5-field cron expressions and descriptors such
as @hourly or @every 5m.

Examples:
  newtphase watch -p core-bgp
  newtphase watch --all --schedule "*/15 * * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openPipeline(ctx, 0)
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := resolvePhases(e.topo, phases, all)
			if err != nil {
				return err
			}
			w := newWatcher(a, e.pipeline, pipeline.RunOptions{
				Mode:    pipeline.ModeValidateOnly,
				Phases:  ids,
				Devices: devices,
			})

			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(util.Logger))))
			if _, err := c.AddFunc(schedule, func() { w.tick(ctx) }); err != nil {
				return fmt.Errorf("schedule %q: %w", schedule, err)
			}
			fmt.Fprintf(a.out, "Watching on %q; interrupt to stop.\n", schedule)

			w.tick(ctx)
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&phases, "phase", "p", nil, "Phase id or name (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Every phase")
	cmd.Flags().StringSliceVarP(&devices, "device", "d", nil, "Restrict to these devices")
	cmd.Flags().StringVar(&schedule, "schedule", "@every 5m", "Cron schedule")
	return cmd
}

// watcher re-validates on each tick and remembers the last state of each
// phase to report transitions.
type watcher struct {
	a    *app
	p    *pipeline.Pipeline
	opts pipeline.RunOptions

	mu   sync.Mutex
	last map[int]pipeline.State
}

func newWatcher(a *app, p *pipeline.Pipeline, opts pipeline.RunOptions) *watcher {
	return &watcher{a: a, p: p, opts: opts, last: map[int]pipeline.State{}}
}

// tick runs one validation pass and returns the phases that were passing
// and no longer are.
func (w *watcher) tick(ctx context.Context) []int {
	if ctx.Err() != nil {
		return nil
	}
	rep, err := w.p.Run(ctx, w.opts)
	if err != nil {
		util.Errorf("watch: %v", err)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var drifted []int
	var states []string
	for _, pr := range rep.Phases {
		prev, seen := w.last[pr.Phase]
		w.last[pr.Phase] = pr.State
		states = append(states, fmt.Sprintf("%d:%s", pr.Phase, pr.State))
		switch {
		case prev == pipeline.StatePassed && pr.State != pipeline.StatePassed:
			drifted = append(drifted, pr.Phase)
			util.WithRun(rep.RunID, pr.Name).Warnf("phase %d no longer passes", pr.Phase)
			fmt.Fprintf(w.a.out, "%s phase %d (%s) %s\n", cli.Red("DRIFT"), pr.Phase, pr.Name, strings.Join(pr.Failures(), "; "))
		case seen && prev != pipeline.StatePassed && pr.State == pipeline.StatePassed:
			fmt.Fprintf(w.a.out, "%s phase %d (%s) passes again\n", cli.Green("RECOVERED"), pr.Phase, pr.Name)
		}
	}
	fmt.Fprintf(w.a.out, "%s run %s: %s\n", time.Now().Format(time.TimeOnly), rep.RunID, strings.Join(states, " "))
	return drifted
}
