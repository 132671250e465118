package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, connect once and report the connection state and handshake latency.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolvedConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  URL:         %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		fmt.Fprintf(out, "  Client name: %s\n", valueOrDefault(cfg.Client.Name, "chmux-cli"))
		fmt.Fprintf(out, "  Publish timeout: %s\n", valueOrDefault(cfg.Client.PublishTimeout, "5s (default)"))

		if cfg.Server.URL == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		start := time.Now()
		client, err := getClient(ctx, nil)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		latency := time.Since(start)
		defer client.Close()

		fmt.Fprintf(out, "  State:     %s\n", client.State())
		fmt.Fprintf(out, "  Client ID: %s\n", client.ClientID())
		fmt.Fprintf(out, "  Handshake: %s\n", latency.Round(time.Millisecond))
		return nil
	},
}
