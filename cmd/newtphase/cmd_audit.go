package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/audit"
	"github.com/newtron-network/newtphase/pkg/cli"
)

func newAuditCmd(a *app) *cobra.Command {
	var (
		filter   audit.Filter
		failures bool
		last     int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show configuration pushes from the audit log",
		Long: `Show the configuration pushes recorded in the audit log, oldest first.
With -v, the commands of each push are printed under it.

Examples:
  newtphase audit --run ring-1
  newtphase audit -d core1 --failures
  newtphase audit -n 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := audit.NewFileLogger(a.settings.GetAuditLog(), audit.RotationConfig{})
			if err != nil {
				return err
			}
			defer log.Close()

			filter.FailureOnly = failures
			events, err := log.Query(filter)
			if err != nil {
				return fmt.Errorf("reading audit log: %w", err)
			}
			if last > 0 && len(events) > last {
				events = events[len(events)-last:]
			}
			if len(events) == 0 {
				fmt.Fprintln(a.out, "no matching audit events")
				return nil
			}
			a.printEvents(events)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "Only this run")
	cmd.Flags().StringVarP(&filter.Device, "device", "d", "", "Only this device")
	cmd.Flags().IntVarP(&filter.Phase, "phase", "p", 0, "Only this phase id")
	cmd.Flags().BoolVar(&failures, "failures", false, "Only failed pushes")
	cmd.Flags().IntVarP(&last, "limit", "n", 20, "Show the last n events (0 for all)")
	return cmd
}

func (a *app) printEvents(events []*audit.Event) {
	if a.verbose {
		for _, e := range events {
			fmt.Fprintf(a.out, "%s %s phase %d %s %s\n", e.Timestamp.Local().Format(time.DateTime),
				e.Device, e.Phase, e.Operation, eventResult(e))
			for _, c := range e.Commands {
				fmt.Fprintf(a.out, "    %s\n", c)
			}
		}
		return
	}
	t := cli.NewTableTo(a.out, "TIME", "RUN", "DEVICE", "PHASE", "OP", "RESULT", "COMMANDS", "ERROR")
	for _, e := range events {
		t.Row(e.Timestamp.Local().Format(time.DateTime), e.RunID, e.Device, strconv.Itoa(e.Phase),
			string(e.Operation), eventResult(e), strconv.Itoa(len(e.Commands)), e.Error)
	}
	t.Flush()
}

func eventResult(e *audit.Event) string {
	switch {
	case !e.Success:
		return cli.Red(e.ErrorKind)
	case e.DryRun:
		return cli.Yellow("planned")
	default:
		return cli.Green("applied")
	}
}
