package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomstudio/loom/internal/client"
	loomversion "github.com/loomstudio/loom/internal/version"
)

// commandTimeout bounds every CLI round trip to the daemon.
const commandTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "loom",
		Short:         "Loom CLI - operate the plugin host daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.Version = loomversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(
		newStatusCommand(),
		newRestartCommand(),
		newShutdownCommand(),
		newHealthCommand(),
		newCallCommand(),
		newPluginsCommand(),
		newSlotsCommand(),
		newSwapCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newClient builds a daemon client and a bounded context for one command.
func newClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	return client.New(""), ctx, cancel
}

// outputFormatter prints either JSON or a human rendering.
type outputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *outputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &outputFormatter{jsonMode: jsonMode}
}

// Print emits data as indented JSON when --json is set, otherwise calls
// human to render it.
func (f *outputFormatter) Print(data any, human func()) error {
	if f.jsonMode {
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Println(string(raw))
		return nil
	}
	human()
	return nil
}
