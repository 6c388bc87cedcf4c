package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"tzbot/internal/app"
	logx "tzbot/pkg/logx"

	"github.com/spf13/cobra"
)

func withOperator(fn func(op *app.Operator) error) error {
	op, err := app.OpenOperator(cfgPath, logx.NewConsole(logLvl))
	if err != nil {
		return err
	}
	defer op.Close()
	return fn(op)
}

func newAssignCmd() *cobra.Command {
	var (
		guilds []string
		apply  bool
	)

	cmd := &cobra.Command{
		Use:   "assign <user-id> <timezone>",
		Short: "Store a user's timezone",
		Long: "Stores the timezone and any --guild memberships. With --apply the change\n" +
			"is pushed to the running fleet (fleet.listen / fleet.peers) immediately.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(func(op *app.Operator) error {
				n, err := op.Assign(cmd.Context(), args[0], args[1], guilds, apply)
				if err != nil {
					return err
				}
				if apply {
					fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to %s, %d nickname(s) updated\n", args[1], args[0], n)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to %s\n", args[1], args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&guilds, "guild", "g", nil, "guild id the user belongs to (repeatable)")
	cmd.Flags().BoolVar(&apply, "apply", false, "push the new nickname to the fleet now")
	return cmd
}

func newClearCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "clear <user-id>",
		Short: "Remove a user's timezone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(func(op *app.Operator) error {
				if err := op.Clear(cmd.Context(), args[0], purge); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete every recorded guild membership")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show recent nickname changes for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(func(op *app.Operator) error {
				entries, err := op.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No changes recorded.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tSOURCE\tGUILD\tOLD\tNEW")
				for _, e := range entries {
					guild := e.PartitionID
					if e.PartitionName != "" {
						guild = e.PartitionName
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.At.Format(time.DateTime), e.Source, guild, e.OldName, e.NewName)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of entries")
	return cmd
}
