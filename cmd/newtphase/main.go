// Newtphase - phased network configuration pipeline
//
// Brings a network up one phase at a time. Each phase renders the
// configuration of its devices from the topology, converges the devices onto
// it, then proves the phase works before any dependent phase starts:
//
//	newtphase -T topology.yaml run --all
//	newtphase -T topology.yaml plan -p core-ldp
//	newtphase -T topology.yaml validate -p 3
//	newtphase -T topology.yaml render -p 1 -o configs/
//	newtphase status
//	newtphase audit --run <id>
//
// Exit codes:
//
//	0  passed (or planned, for dry runs)
//	1  usage or topology error
//	2  validation failed
//	3  apply failed
//	4  render failed
//	5  infrastructure error (device unreachable, query failed)
//	6  canceled
//	7  dependency not met
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/device"
	"github.com/newtron-network/newtphase/pkg/settings"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/version"
)

// app holds the global flags and the state shared by every command.
type app struct {
	topologyPath string // -T, --topology
	inventory    string // --inventory
	templateDir  string // -t, --templates
	statePath    string // --state
	verbose      bool
	logJSON      bool
	noColor      bool
	lab          bool

	out      io.Writer
	settings *settings.Settings
	// labDevices is the lab opened by --lab, kept for inspection.
	labDevices *device.Lab
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{out: os.Stdout}
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "newtphase",
		Short:             "Phased network configuration pipeline",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		Long: `Newtphase brings a network up in phases.

Each phase renders the configuration of its devices from the topology,
pushes only the difference from what is running, and then validates the
phase against live device state. A phase starts only after every phase it
depends on has passed.

  newtphase -T <topology> run -p <phase>|--all`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.topologyPath, "topology", "T", "", "Topology file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.inventory, "inventory", "", "Read the topology from Redis at host:port[/db]")
	root.PersistentFlags().StringVarP(&a.templateDir, "templates", "t", "", "Template directory (default: built-in catalog)")
	root.PersistentFlags().StringVar(&a.statePath, "state", "", "State database")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "Log in JSON")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&a.lab, "lab", false, "Run against in-memory lab devices instead of SSH")

	root.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)
	for _, cmd := range []*cobra.Command{newRunCmd(a), newPlanCmd(a), newValidateCmd(a), newWatchCmd(a)} {
		cmd.GroupID = "pipeline"
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{newRenderCmd(a), newCheckCmd(a), newStatusCmd(a), newAuditCmd(a), newTestbedCmd(a)} {
		cmd.GroupID = "inspect"
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{newSettingsCmd(a), newVersionCmd(a)} {
		cmd.GroupID = "meta"
		root.AddCommand(cmd)
	}
	return root
}

// init loads settings and configures logging. Flags left empty fall back to
// the settings file.
func (a *app) init(cmd *cobra.Command) error {
	var err error
	a.settings, err = settings.Load()
	if err != nil {
		util.Warnf("Could not load settings: %v", err)
		a.settings = &settings.Settings{}
	}

	if a.topologyPath == "" {
		a.topologyPath = a.settings.Topology
	}
	if a.inventory == "" {
		a.inventory = a.settings.Inventory
	}
	if a.templateDir == "" {
		a.templateDir = a.settings.TemplateDir
	}

	// Quiet by default, verbose on -v.
	if a.verbose {
		util.SetLogLevel("debug")
	} else {
		util.SetLogLevel("warn")
	}
	if a.logJSON {
		util.SetJSONFormat()
	}
	if a.noColor {
		cli.SetColor(false)
	}
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Version == "dev" {
				fmt.Fprintln(a.out, "newtphase dev build (version not stamped)")
			} else {
				fmt.Fprintf(a.out, "newtphase %s\n", version.Info())
			}
		},
	}
}
