package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish <channel> <json>",
	Short: "Publish one message to a channel",
	Long:  "Publish a JSON payload to a channel and report the server's answer.\nExample: chmux publish chat '{\"text\":\"hi\"}'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, payload := args[0], args[1]

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		client, err := getClient(ctx, nil)
		if err != nil {
			return err
		}
		defer client.Close()

		sub, err := subscribeAndWait(ctx, client, channel, nil)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}

		start := time.Now()
		if _, err := sub.Publish(ctx, []byte(payload)); err != nil {
			return fmt.Errorf("publish to %s: %w", channel, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published to %s in %s\n", channel, time.Since(start).Round(time.Millisecond))
		return nil
	},
}
