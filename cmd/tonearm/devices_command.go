package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tonearm/internal/ipc"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"device"},
		Short:   "List or select output devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd, ctx)
		},
	}

	devicesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List devices of the active backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd, ctx)
		},
	})

	devicesCmd.AddCommand(&cobra.Command{
		Use:   "select <id>",
		Short: "Switch output to another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SelectDevice(args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Settings)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Output switched to %s\n", resp.Settings.Device)
				return nil
			})
		},
	})

	return devicesCmd
}

func listDevices(cmd *cobra.Command, ctx *commandContext) error {
	return ctx.withClient(func(client *ipc.Client) error {
		resp, err := client.Devices()
		if err != nil {
			return err
		}
		if ctx.jsonOutput() {
			return writeJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		if len(resp.Devices) == 0 {
			fmt.Fprintln(out, "No output devices found")
			return nil
		}
		rows := make([][]string, 0, len(resp.Devices))
		for _, d := range resp.Devices {
			marker := ""
			if d.Selected {
				marker = "*"
			}
			rows = append(rows, []string{marker, d.ID, d.Label(), yesNo(d.Default)})
		}
		fmt.Fprintf(out, "Backend: %s\n", resp.Backend)
		fmt.Fprint(out, renderTable([]string{"", "ID", "Name", "Default"}, rows, nil))
		return nil
	})
}
