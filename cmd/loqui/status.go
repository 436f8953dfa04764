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
	Short: "Show current configuration and connection health",
	Long:  "Display the current configuration and, if a session is set, connect and measure round-trip latency.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.OfficeID != "" {
			fmt.Printf("  Office:    %s\n", cfg.Default.OfficeID)
		}

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Session.UserID == "" {
			fmt.Println("  User:      (not set)")
		} else {
			fmt.Printf("  User:      %s\n", cfg.Session.UserID)
			fmt.Printf("  Role:      %s\n", valueOrDefault(cfg.Session.Role, "user"))
		}
		if cfg.Session.Token != "" {
			fmt.Printf("  Token:     %s\n", maskToken(cfg.Session.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Default.BaseURL == "" || cfg.Session.Token == "" || cfg.Session.UserID == "" {
			return nil
		}

		// Live check: connect and measure one ping round trip.
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			fmt.Println()
			fmt.Printf("Connection: FAILED (%v)\n", err)
			return nil
		}
		defer eng.Close()

		rtt, err := eng.Conn.Ping(ctx)
		fmt.Println()
		if err != nil {
			fmt.Printf("Connection: up, ping failed (%v)\n", err)
			return nil
		}
		fmt.Printf("Connection: up, latency %s\n", rtt.Round(time.Millisecond))
		return nil
	},
}

// maskToken hides all but the edges of a credential.
func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
