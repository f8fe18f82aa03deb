package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tonearm/internal/ipc"
)

func newMixCommands(ctx *commandContext) []*cobra.Command {
	preampCmd := &cobra.Command{
		Use:     "preamp [db]",
		Short:   "Show or set the preamp gain",
		Example: "  tonearm preamp 2\n  tonearm preamp -- -6",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return showSettings(cmd, ctx)
			}
			db, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid preamp %q: %w", args[0], err)
			}
			return applySetting(cmd, ctx, func(c *ipc.Client) (*ipc.SettingsResponse, error) {
				return c.SetPreamp(db)
			})
		},
	}

	balanceCmd := &cobra.Command{
		Use:     "balance [value]",
		Short:   "Show or set balance from -1 (left) to 1 (right)",
		Example: "  tonearm balance 0.25\n  tonearm balance center\n  tonearm balance -- -0.5",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return showSettings(cmd, ctx)
			}
			balance, err := parseBalance(args[0])
			if err != nil {
				return err
			}
			return applySetting(cmd, ctx, func(c *ipc.Client) (*ipc.SettingsResponse, error) {
				return c.SetBalance(balance)
			})
		},
	}

	crossfadeCmd := &cobra.Command{
		Use:   "crossfade [seconds|next]",
		Short: "Show, set or cycle (0/2/4/6) the crossfade",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return showSettings(cmd, ctx)
			}
			req := ipc.CrossfadeRequest{}
			if strings.EqualFold(args[0], "next") {
				req.Next = true
			} else {
				seconds, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid crossfade %q: expected seconds or \"next\"", args[0])
				}
				req.Seconds = seconds
			}
			return applySetting(cmd, ctx, func(c *ipc.Client) (*ipc.SettingsResponse, error) {
				return c.SetCrossfade(req)
			})
		},
	}

	return []*cobra.Command{preampCmd, balanceCmd, crossfadeCmd}
}

func parseBalance(value string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "center", "centre", "c":
		return 0, nil
	}
	balance, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance %q: %w", value, err)
	}
	return balance, nil
}

func showSettings(cmd *cobra.Command, ctx *commandContext) error {
	return applySetting(cmd, ctx, func(c *ipc.Client) (*ipc.SettingsResponse, error) {
		return c.Settings()
	})
}

func applySetting(cmd *cobra.Command, ctx *commandContext, call func(*ipc.Client) (*ipc.SettingsResponse, error)) error {
	return ctx.withClient(func(client *ipc.Client) error {
		resp, err := call(client)
		if err != nil {
			return err
		}
		if ctx.jsonOutput() {
			return writeJSON(cmd, resp.Settings)
		}
		renderSettings(cmd.OutOrStdout(), resp.Settings)
		return nil
	})
}
