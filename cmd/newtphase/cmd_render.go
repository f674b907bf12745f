package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/topology"
)

func newRenderCmd(a *app) *cobra.Command {
	var (
		phases  []string
		all     bool
		devices []string
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render phase configurations",
		Long: `Render the configuration of every device in the selected phases.

Without -o the configurations are printed. With -o each is written to
<dir>/<phase-name>/<device>.cfg.

Examples:
  newtphase render -p core-ospf
  newtphase render --all -o configs/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openRender(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := resolvePhases(e.topo, phases, all)
			if err != nil {
				return err
			}
			if ids == nil {
				for _, ph := range e.topo.Phases() {
					ids = append(ids, ph.ID)
				}
			}

			var errs []error
			for _, id := range ids {
				ph, _ := e.topo.Phase(id)
				configs, err := e.resolver.RenderPhase(id, devices)
				if err != nil {
					errs = append(errs, err)
				}
				for _, rc := range configs {
					if err := a.emit(ph, rc, outDir); err != nil {
						return err
					}
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVarP(&phases, "phase", "p", nil, "Phase id or name (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Every phase")
	cmd.Flags().StringSliceVarP(&devices, "device", "d", nil, "Restrict to these devices")
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Write files under this directory")
	return cmd
}

func (a *app) emit(ph *topology.Phase, rc *render.RenderedConfig, outDir string) error {
	if outDir == "" {
		fmt.Fprintf(a.out, "! %s phase %d (%s) template %s\n", rc.Device, ph.ID, ph.Name, rc.Version)
		fmt.Fprint(a.out, rc.Text())
		return nil
	}
	dir := filepath.Join(outDir, ph.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, rc.Device+".cfg")
	if err := os.WriteFile(path, []byte(rc.Text()), 0644); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "wrote %s\n", path)
	return nil
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the topology",
		Long: `Load the topology and report every inconsistency found: duplicate or
misplaced addresses, dangling links, unknown roles, VRFs and devices, and
phase dependency cycles. Nothing is rendered and no device is contacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, source, err := a.loadTopology(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %d devices, %d links, %d phases\n\n",
				source, len(topo.Devices()), len(topo.Links()), len(topo.Phases()))

			t := cli.NewTableTo(a.out, "PHASE", "NAME", "DEPENDS", "DEVICES", "ASSERTIONS")
			for _, ph := range topo.Phases() {
				deps := make([]string, len(ph.DependsOn))
				for i, d := range ph.DependsOn {
					deps[i] = strconv.Itoa(d)
				}
				t.Row(strconv.Itoa(ph.ID), ph.Name, orNone(strings.Join(deps, ",")),
					strconv.Itoa(len(ph.Devices)), strconv.Itoa(len(ph.Assertions)))
			}
			t.Flush()
			fmt.Fprintln(a.out, "\n"+cli.Green("topology OK"))
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Testbed is the exported device inventory: how to reach each device.
type Testbed struct {
	Name    string                   `yaml:"name"`
	Devices map[string]TestbedDevice `yaml:"devices"`
}

// TestbedDevice is one inventory entry.
type TestbedDevice struct {
	OS       string `yaml:"os"`
	Role     string `yaml:"role"`
	Site     string `yaml:"site,omitempty"`
	Mgmt     string `yaml:"mgmt,omitempty"`
	Loopback string `yaml:"loopback"`
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
}

func buildTestbed(name string, topo *topology.Topology) *Testbed {
	tb := &Testbed{Name: name, Devices: map[string]TestbedDevice{}}
	for _, d := range topo.Devices() {
		td := TestbedDevice{
			OS:       "iosxe",
			Role:     string(d.Role),
			Site:     d.Site,
			Loopback: d.Loopback.String(),
			Protocol: "ssh",
			Port:     22,
		}
		if d.Mgmt.IsValid() {
			td.Mgmt = d.Mgmt.String()
		}
		tb.Devices[d.Name] = td
	}
	return tb
}

func newTestbedCmd(a *app) *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "testbed",
		Short: "Export the device inventory",
		Long: `Export the management and loopback addresses of every device as YAML,
for use by test harnesses that need to reach the devices.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, source, err := a.loadTopology(cmd.Context())
			if err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
			data, err := yaml.Marshal(buildTestbed(name, topo))
			if err != nil {
				return err
			}
			if outFile == "" {
				_, err = a.out.Write(data)
				return err
			}
			if err := os.WriteFile(outFile, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s (%d devices)\n", outFile, len(topo.Devices()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write to file instead of stdout")
	return cmd
}
