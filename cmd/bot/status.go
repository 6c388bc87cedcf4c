package main

import (
	"errors"

	"tzbot/internal/app"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of every fleet endpoint",
		Long: "Queries the local fleet listener and every fleet.peers endpoint and prints\n" +
			"their status documents. Exits non-zero when any endpoint is unreachable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(func(op *app.Operator) error {
				peers, err := op.FleetStatus(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), peers); err != nil {
					return err
				}
				for _, p := range peers {
					if p.Error != "" {
						return errors.New("some fleet endpoints are unreachable")
					}
				}
				return nil
			})
		},
	}
}
