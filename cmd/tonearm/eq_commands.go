package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tonearm/internal/eq"
	"tonearm/internal/ipc"
)

func newEQCommand(ctx *commandContext) *cobra.Command {
	eqCmd := &cobra.Command{
		Use:   "eq",
		Short: "Show or change the 10-band equalizer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showEQ(cmd, ctx)
		},
	}

	eqCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show band gains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showEQ(cmd, ctx)
		},
	})

	setCmd := &cobra.Command{
		Use:     "set <band> <gain-db>",
		Short:   "Set one band gain (band is an index 0-9 or a frequency like 1k)",
		Example: "  tonearm eq set 1k 3.5\n  tonearm eq set 0 -2",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseBand(args[0])
			if err != nil {
				return err
			}
			gain, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid gain %q: %w", args[1], err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SetBand(index, gain)
				if err != nil {
					return err
				}
				return printBands(cmd, ctx, resp)
			})
		},
	}
	setCmd.Flags().SetInterspersed(false)
	eqCmd.AddCommand(setCmd)

	eqCmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Turn the equalizer on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleEQ(cmd, ctx, ipc.EQRequest{Enabled: true})
		},
	})
	eqCmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Turn the equalizer off (bit-perfect when the rest of the chain is neutral)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleEQ(cmd, ctx, ipc.EQRequest{Enabled: false})
		},
	})
	eqCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Flatten every band",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SetEQ(ipc.EQRequest{Reset: true})
				if err != nil {
					return err
				}
				return printBands(cmd, ctx, resp)
			})
		},
	})

	return eqCmd
}

func showEQ(cmd *cobra.Command, ctx *commandContext) error {
	return ctx.withClient(func(client *ipc.Client) error {
		resp, err := client.Settings()
		if err != nil {
			return err
		}
		return printBands(cmd, ctx, resp)
	})
}

func toggleEQ(cmd *cobra.Command, ctx *commandContext, req ipc.EQRequest) error {
	return ctx.withClient(func(client *ipc.Client) error {
		resp, err := client.SetEQ(req)
		if err != nil {
			return err
		}
		if ctx.jsonOutput() {
			return writeJSON(cmd, resp.Settings)
		}
		if resp.Settings.EQEnabled {
			fmt.Fprintln(cmd.OutOrStdout(), "EQ enabled")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "EQ disabled")
		}
		return nil
	})
}

func printBands(cmd *cobra.Command, ctx *commandContext, resp *ipc.SettingsResponse) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, resp.Settings)
	}
	out := cmd.OutOrStdout()
	renderSettings(out, resp.Settings)
	fmt.Fprint(out, renderTable([]string{"Band", "Freq", "Gain"}, bandRows(resp.Settings.Bands),
		[]columnAlignment{alignRight, alignRight, alignRight}))
	return nil
}

// parseBand accepts a band index or a frequency label as printed by `eq show`.
func parseBand(value string) (int, error) {
	value = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), "hz")
	value = strings.TrimSpace(value)
	if index, err := strconv.Atoi(value); err == nil && index >= 0 && index < eq.NumBands {
		return index, nil
	}
	for i := range eq.NumBands {
		if strings.EqualFold(eq.FrequencyLabel(i), value) {
			return i, nil
		}
		if freq, err := strconv.ParseFloat(value, 64); err == nil && freq == eq.Frequencies[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown band %q (use 0-%d or a frequency such as 1k)", value, eq.NumBands-1)
}
