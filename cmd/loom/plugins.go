package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomstudio/loom/internal/client"
)

func newPluginsCommand() *cobra.Command {
	pluginsCmd := &cobra.Command{
		Use:           "plugins",
		Short:         "Plugin catalogue commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pluginsCmd.AddCommand(
		newPluginsListCommand(),
		newPluginsDiscoverCommand(),
		newPluginsLoadCommand(),
		newPluginsUnloadCommand(),
	)
	return pluginsCmd
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List catalogued plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			plugins, err := c.ListPlugins(ctx)
			if err != nil {
				return fmt.Errorf("list plugins failed: %w", err)
			}
			return newOutputFormatter(cmd).Print(plugins, func() {
				printPluginTable(plugins)
			})
		},
	}
}

func newPluginsDiscoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "discover",
		Short:         "Rescan plugin directories for manifests",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			result, err := c.DiscoverPlugins(ctx)
			if err != nil {
				return fmt.Errorf("discover failed: %w", err)
			}
			return newOutputFormatter(cmd).Print(result, func() {
				fmt.Printf("Discovered %d plugin(s)\n", result.Discovered)
				printPluginTable(result.Plugins)
				for _, warning := range result.Warnings {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", warning.Dir, warning.Error)
				}
			})
		},
	}
}

func newPluginsLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "load <plugin-id>",
		Short:         "Load a plugin into the worker",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			if err := c.LoadPlugin(ctx, args[0]); err != nil {
				return fmt.Errorf("load failed: %w", err)
			}
			fmt.Printf("Plugin %s loaded\n", args[0])
			return nil
		},
	}
}

func newPluginsUnloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "unload <plugin-id>",
		Short:         "Unload a plugin from the worker",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			if err := c.UnloadPlugin(ctx, args[0]); err != nil {
				return fmt.Errorf("unload failed: %w", err)
			}
			fmt.Printf("Plugin %s unloaded\n", args[0])
			return nil
		},
	}
}

func printPluginTable(plugins []client.Plugin) {
	if len(plugins) == 0 {
		fmt.Println("No plugins found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tCONTRACT\tSTATE\tMETHODS")
	for _, p := range plugins {
		state := p.State
		if p.Error != "" {
			state += " (" + p.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Version, p.Contract, state, strings.Join(p.Methods, ","))
	}
	w.Flush()
}
