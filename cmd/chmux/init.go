package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url> <token>",
	Short: "Store endpoint and token in ~/.chmux/config.toml",
	Long:  "Initialize the chmux CLI by storing the server endpoint and connection token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.URL = args[0]
		cfg.Server.Token = args[1]
		if cfg.Client.Name == "" {
			cfg.Client.Name = "chmux-cli-" + uuid.NewString()[:8]
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Endpoint saved to %s\n", path)
		return nil
	},
}
