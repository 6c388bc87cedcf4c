// Command tzbot runs the timezone nickname bot and its operator tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	cfgPath string
	logLvl  string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tzbot",
		Short:         "Keeps member nicknames annotated with their current UTC offset",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&logLvl, "log-level", "info", "log level for one-shot commands")

	root.AddCommand(
		newRunCmd(),
		newSweepCmd(),
		newOffsetCmd(),
		newCheckCmd(),
		newAssignCmd(),
		newClearCmd(),
		newHistoryCmd(),
		newStatusCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
