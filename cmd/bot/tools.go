package main

import (
	"fmt"
	"time"

	"tzbot/internal/dst"
	"tzbot/internal/tz"
	logx "tzbot/pkg/logx"

	"github.com/spf13/cobra"
)

// parseAt reads an RFC 3339 instant; empty means now.
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return t, nil
}

func newOffsetCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:     "offset <timezone>",
		Short:   "Print the UTC offset label for an IANA timezone",
		Example: "  tzbot offset Asia/Kolkata\n  tzbot offset America/New_York --at 2024-07-01T12:00:00Z",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			label, err := tz.Offset(args[0], when)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), label)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to evaluate (RFC 3339, default now)")
	return cmd
}

type checkResult struct {
	Timezone     string `json:"timezone"`
	At           string `json:"at"`
	Local        string `json:"local"`
	Offset       string `json:"offset"`
	OffsetBefore string `json:"offset_24h_before"`
	Transitioned bool   `json:"transitioned"`
}

func newCheckCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "check <timezone>",
		Short: "Report whether a timezone counts as just-transitioned at an instant",
		Long: "A zone is only examined while its local clock reads 5 AM, so an --at outside\n" +
			"that hour always reports false.",
		Example: "  tzbot check America/New_York --at 2024-03-10T09:30:00Z",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			loc, err := tz.Load(id)
			if err != nil {
				return err
			}
			cur, err := tz.Offset(id, when)
			if err != nil {
				return err
			}
			prev, err := tz.Offset(id, when.Add(-24*time.Hour))
			if err != nil {
				return err
			}

			d := dst.New(logx.NewConsole(logLvl))
			d.Now = func() time.Time { return when }
			return printJSON(cmd.OutOrStdout(), checkResult{
				Timezone:     id,
				At:           when.UTC().Format(time.RFC3339),
				Local:        when.In(loc).Format("2006-01-02 15:04 MST"),
				Offset:       cur,
				OffsetBefore: prev,
				Transitioned: d.HasJustTransitioned(id),
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to evaluate (RFC 3339, default now)")
	return cmd
}
