package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var presenceJSON bool

func init() {
	presenceCmd.Flags().BoolVar(&presenceJSON, "json", false, "print the raw presence map as JSON")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <channel>",
	Short: "Print who is present in a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := args[0]

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
		presence, err := sub.FetchPresence(ctx)
		if err != nil {
			return fmt.Errorf("presence %s: %w", channel, err)
		}

		if presenceJSON {
			return printJSON(cmd.OutOrStdout(), presence)
		}

		users := make([]string, 0, len(presence))
		for user := range presence {
			users = append(users, user)
		}
		sort.Strings(users)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Presence in %s: %d user(s)\n", channel, len(users))
		for _, user := range users {
			fmt.Fprintf(out, "  %-24s %d connection(s)\n", valueOrDefault(user, "(anonymous)"), len(presence[user].Clients))
		}
		return nil
	},
}
