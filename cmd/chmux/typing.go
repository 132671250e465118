package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/chmux"
	"github.com/spf13/cobra"
)

var typingHold time.Duration

func init() {
	typingCmd.Flags().DurationVar(&typingHold, "hold", time.Second, "how long to show the indicator before stopping it")
	rootCmd.AddCommand(typingCmd)
}

var typingCmd = &cobra.Command{
	Use:   "typing <channel> <user-id>",
	Short: "Emit a typing indicator",
	Long:  "Publish a typing notice for a user on a channel, hold it, then publish the stop notice.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, userID := args[0], args[1]

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second+typingHold)
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

		indicator := chmux.NewTypingIndicator(sub, userID)
		if err := indicator.Typing(ctx); err != nil {
			return fmt.Errorf("typing: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is typing in %s\n", userID, channel)

		select {
		case <-time.After(typingHold):
		case <-ctx.Done():
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := indicator.Stop(stopCtx); err != nil {
			return fmt.Errorf("typing stop: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s stopped typing\n", userID)
		return nil
	},
}
