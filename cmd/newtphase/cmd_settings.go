package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtphase/pkg/cli"
	"github.com/newtron-network/newtphase/pkg/settings"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage persistent settings",
		Long: `Manage persistent settings stored in ~/.newtphase/settings.json.

Settings provide defaults for flags. The device password is never stored;
set ` + PasswordEnv + ` or enter it when prompted.

Examples:
  newtphase settings show
  newtphase settings set topology examples/euniv.yaml
  newtphase settings set workers 8
  newtphase settings set retry_initial 2s
  newtphase settings clear`,
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.out, "Settings file: %s\n\n", settings.DefaultSettingsPath())
			t := cli.NewTableTo(a.out, "SETTING", "VALUE")
			for _, key := range settings.Keys() {
				v, _ := a.settings.Get(key)
				if v == "" {
					v = cli.Dim("(not set)")
				}
				t.Row(key, v)
			}
			t.Flush()
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <setting> <value>",
		Short: "Set a setting value",
		Long: `Set a persistent setting value. An empty value unsets it.

Available settings:
  ` + strings.Join(settings.Keys(), "\n  "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.settings.Set(args[0], args[1]); err != nil {
				return fmt.Errorf("%w (valid: %s)", err, strings.Join(settings.Keys(), ", "))
			}
			if err := a.settings.Save(); err != nil {
				return fmt.Errorf("saving settings: %w", err)
			}
			fmt.Fprintf(a.out, "%s set to: %s\n", args[0], args[1])
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <setting>",
		Short: "Get a setting value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.settings.Get(args[0])
			if err != nil {
				return err
			}
			if v == "" {
				v = "(not set)"
			}
			fmt.Fprintln(a.out, v)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.settings.Clear()
			if err := a.settings.Save(); err != nil {
				return fmt.Errorf("saving settings: %w", err)
			}
			fmt.Fprintln(a.out, "Settings cleared.")
			return nil
		},
	}

	cmd.AddCommand(show, set, get, clearCmd)
	return cmd
}
