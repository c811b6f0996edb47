package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSlotsCommand() *cobra.Command {
	slotsCmd := &cobra.Command{
		Use:           "slots",
		Short:         "Capability slot commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	slotsCmd.AddCommand(newSlotsListCommand())
	slotsCmd.AddCommand(newSlotsHistoryCommand())
	return slotsCmd
}

func newSlotsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List capability slots and their bindings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			slots, err := c.ListSlots(ctx)
			if err != nil {
				return fmt.Errorf("list slots failed: %w", err)
			}
			return newOutputFormatter(cmd).Print(slots, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SLOT\tCONTRACT\tREQUIRED\tSTATUS\tPLUGIN\tDETAIL")
				for _, s := range slots {
					plugin := s.PluginID
					if plugin == "" {
						plugin = "-"
					}
					required := "no"
					if s.Required {
						required = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.Contract, required, s.Status, plugin, s.Detail)
				}
				w.Flush()
			})
		},
	}
}

func newSlotsHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "history <slot>",
		Short:         "Show recorded swap attempts for a slot, newest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			swaps, err := c.SlotHistory(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("slot history failed: %w", err)
			}
			return newOutputFormatter(cmd).Print(swaps, func() {
				if len(swaps) == 0 {
					fmt.Printf("No swaps recorded for slot %s\n", args[0])
					return
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tFROM\tTO\tOUTCOME\tDETAIL")
				for _, s := range swaps {
					from := s.From
					if from == "" {
						from = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.CreatedAt.Format("2006-01-02 15:04:05"), from, s.To, s.Outcome, s.Detail)
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show (0 for all)")
	return cmd
}

func newSwapCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "swap <slot> <plugin-id>",
		Short:         "Atomically rebind a slot to a different plugin",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			outcome, err := c.SwapSlot(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("swap failed: %w", err)
			}
			return newOutputFormatter(cmd).Print(outcome, func() {
				from := outcome.From
				if from == "" {
					from = "(empty)"
				}
				fmt.Printf("Slot %s: %s -> %s (%s, tx %s)\n", outcome.Slot, from, outcome.To, outcome.State, outcome.TransactionID)
			})
		},
	}
}
