package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tonearm/internal/ipc"
	"tonearm/internal/logging"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines < 0 {
				lines = 0
			}
			return ctx.withClient(func(client *ipc.Client) error {
				runCtx := cmd.Context()
				out := cmd.OutOrStdout()
				req := ipc.LogsRequest{Limit: lines}
				printed := false
				for {
					resp, err := client.Logs(req)
					if err != nil {
						return fmt.Errorf("read logs: %w", err)
					}
					if resp == nil {
						return errors.New("log response missing")
					}
					for _, evt := range resp.Events {
						if ctx.jsonOutput() {
							if err := writeJSON(cmd, evt); err != nil {
								return err
							}
						} else {
							fmt.Fprintln(out, formatLogEvent(evt))
						}
						printed = true
					}
					if !follow {
						if !printed && !ctx.jsonOutput() {
							fmt.Fprintln(out, "No log entries available")
						}
						return nil
					}
					req = ipc.LogsRequest{Since: resp.Next, Follow: true}
					if runCtx != nil {
						select {
						case <-runCtx.Done():
							return nil
						default:
						}
					}
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of recent events to show (0 for all buffered)")
	return cmd
}

func formatLogEvent(evt logging.LogEvent) string {
	ts := evt.Timestamp.Local().Format("2006-01-02 15:04:05")
	level := strings.ToUpper(strings.TrimSpace(evt.Level))
	if level == "" {
		level = "INFO"
	}
	parts := []string{ts, level}
	if component := strings.TrimSpace(evt.Component); component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", component))
	}
	if dev := strings.TrimSpace(evt.Device); dev != "" {
		parts = append(parts, "<"+dev+">")
	}
	line := strings.Join(parts, " ")
	if message := strings.TrimSpace(evt.Message); message != "" {
		line += " - " + message
	}
	if len(evt.Fields) == 0 {
		return line
	}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(line)
	for _, k := range keys {
		if strings.TrimSpace(evt.Fields[k]) == "" {
			continue
		}
		b.WriteString("\n    - ")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(evt.Fields[k])
	}
	return b.String()
}
