package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// loqui monitor
// ============================================================================

var (
	monitorWatch bool
	monitorEvery time.Duration
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVarP(&monitorWatch, "watch", "w", false, "keep polling and print new alerts as they fire")
	monitorCmd.Flags().DurationVar(&monitorEvery, "interval", 30*time.Second, "poll interval in watch mode")
	monitorCmd.AddCommand(monitorDismissCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show monitoring alerts (supervisory roles only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		if eng.Monitor == nil {
			return fmt.Errorf("monitoring requires a supervisory role (current role is a participant)")
		}

		if err := eng.Monitor.Poll(ctx); err != nil {
			return fmt.Errorf("monitoring poll failed: %w", err)
		}
		alerts := eng.Monitor.Alerts()
		if len(alerts) == 0 {
			fmt.Println("No alerts.")
		}
		for _, a := range alerts {
			fmt.Printf("[%s] %-8s %-15s %-28s %s\n",
				a.Timestamp.Local().Format("15:04:05"), a.Severity, a.Type, a.ID, a.Message)
		}

		if !monitorWatch {
			return nil
		}

		seen := make(map[string]bool)
		for _, a := range eng.Monitor.Alerts() {
			seen[a.ID] = true
		}
		ticker := time.NewTicker(monitorEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := eng.Monitor.Poll(ctx); err != nil {
				fmt.Printf("poll failed: %v\n", err)
				continue
			}
			for _, a := range eng.Monitor.Alerts() {
				if !seen[a.ID] {
					seen[a.ID] = true
					fmt.Printf("[%s] %-8s %-15s %s\n", a.Timestamp.Local().Format("15:04:05"), a.Severity, a.Type, a.Message)
				}
			}
		}
	},
}

var monitorDismissCmd = &cobra.Command{
	Use:   "dismiss <alert-id>",
	Short: "Dismiss an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		if eng.Monitor == nil {
			return fmt.Errorf("monitoring requires a supervisory role")
		}
		if err := eng.Monitor.Poll(ctx); err != nil {
			return fmt.Errorf("monitoring poll failed: %w", err)
		}
		eng.Monitor.Dismiss(args[0])
		fmt.Printf("Dismissed %s\n", args[0])
		return nil
	},
}
