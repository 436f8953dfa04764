package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// loqui conversations
// ============================================================================

var (
	convFilter string
	convSort   string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().StringVar(&convFilter, "filter", "all", "filter: all, unread, archived")
	conversationsCmd.Flags().StringVar(&convSort, "sort", "lastMessage", "sort: lastMessage, name, createdAt")
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		list := eng.Store.List(loqui.ConversationFilter(convFilter), loqui.ConversationSort(convSort))
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		for _, c := range list {
			last := ""
			if c.LastMessage != nil {
				last = truncate(c.LastMessage.Content, 48)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			archived := ""
			if c.IsArchived {
				archived = " (archived)"
			}
			fmt.Printf("%-24s  %-20s%s%s  %s\n", c.ID, truncate(c.Name, 20), unread, archived, last)
		}
		return nil
	},
}

// ============================================================================
// loqui conversations create
// ============================================================================

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <name> <participant-id> [participant-id...]",
	Short: "Create a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		conv, err := eng.Store.Create(ctx, &loqui.CreateConversationRequest{
			Name:           args[0],
			ParticipantIDs: args[1:],
		})
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		fmt.Printf("Created %s (%s) with %s\n", conv.ID, conv.Name, strings.Join(args[1:], ", "))
		return nil
	},
}

// ============================================================================
// loqui conversations archive
// ============================================================================

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		if err := eng.Store.SetArchived(args[0], true); err != nil {
			return fmt.Errorf("failed to archive: %w", err)
		}
		fmt.Printf("Archived %s\n", args[0])
		return nil
	},
}
