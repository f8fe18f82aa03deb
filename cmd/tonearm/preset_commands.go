package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tonearm/internal/ipc"
)

func newPresetCommand(ctx *commandContext) *cobra.Command {
	presetCmd := &cobra.Command{
		Use:     "preset",
		Aliases: []string{"presets"},
		Short:   "Manage equalizer presets",
	}

	presetCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List factory and user presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Presets()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				rows := make([][]string, 0, len(resp.Presets))
				for _, p := range resp.Presets {
					kind := "user"
					if p.Factory {
						kind = "factory"
					}
					current := ""
					if strings.EqualFold(p.Name, resp.Current) {
						current = "*"
					}
					rows = append(rows, []string{current, p.Name, kind})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"", "Name", "Kind"}, rows, nil))
				return nil
			})
		},
	})

	presetCmd.AddCommand(presetAction(ctx, "apply", "Load a preset into the bands", func(c *ipc.Client, name string) (*ipc.SettingsResponse, error) {
		return c.ApplyPreset(name)
	}, "Applied"))
	presetCmd.AddCommand(presetAction(ctx, "save", "Save the current bands as a user preset", func(c *ipc.Client, name string) (*ipc.SettingsResponse, error) {
		return c.SavePreset(name)
	}, "Saved"))
	presetCmd.AddCommand(presetAction(ctx, "delete", "Delete a user preset", func(c *ipc.Client, name string) (*ipc.SettingsResponse, error) {
		return c.DeletePreset(name)
	}, "Deleted"))

	return presetCmd
}

func presetAction(ctx *commandContext, use, short string, call func(*ipc.Client, string) (*ipc.SettingsResponse, error), verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(strings.Join(args, " "))
			if name == "" {
				return errors.New("preset name is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := call(client, name)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Settings)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s preset %q\n", verb, name)
				return nil
			})
		},
	}
}
