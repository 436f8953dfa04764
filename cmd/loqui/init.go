package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the service URL in ~/.loqui/config.toml",
	Long:  "Initialize the Loqui CLI by storing the messaging service URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if cfg.Session.Role == "" {
			cfg.Session.Role = "user"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Service URL saved to %s\n", path)
		return nil
	},
}
