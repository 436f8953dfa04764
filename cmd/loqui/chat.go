package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// loqui chat
// ============================================================================

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Chat interactively in a conversation",
	Long: "Open a conversation over the live channel. Lines you type are sent as messages.\n" +
		"Commands: /older loads earlier history, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		eng := newEngine()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer eng.Close()

		if err := eng.Store.Open(ctx, convID); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		eng.Typing.SetActiveConversation(convID)

		for _, m := range tail(eng.Store.Messages(convID), 20) {
			printMessage(&m)
		}

		// Inbound messages and typing transitions print as they arrive.
		// Handlers run on the read goroutine, so keep them to a Printf.
		unsubMsg := eng.Conn.Subscribe(loqui.EventMessageReceived, func(_ string, payload json.RawMessage) {
			var p loqui.MessageReceivedPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			cid := p.Message.ConversationID
			if cid == "" {
				cid = p.ConversationID
			}
			if cid == convID && p.Message.SenderID != "" {
				printMessage(&p.Message)
			}
		})
		defer unsubMsg()
		unsubTyping := eng.Conn.Subscribe(loqui.EventUserTyping, func(_ string, payload json.RawMessage) {
			var p loqui.TypingPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			if p.ConversationID == convID && p.IsTyping {
				fmt.Printf("  (%s is typing...)\n", p.UserID)
			}
		})
		defer unsubTyping()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			eng.Presence.Activity()

			switch {
			case line == "":
				eng.Typing.InputChanged(convID, "")
				continue
			case line == "/quit":
				return nil
			case line == "/older":
				if err := eng.Store.LoadOlder(ctx, convID); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to load history: %v\n", err)
					continue
				}
				for _, m := range eng.Store.Messages(convID) {
					printMessage(&m)
				}
				continue
			}

			eng.Typing.InputChanged(convID, line)
			msg, err := eng.Pipeline.Send(ctx, convID, line, loqui.MessageText, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				continue
			}
			eng.Typing.InputChanged(convID, "")
			fmt.Printf("  sent %s\n", msg.ID)
		}
		return scanner.Err()
	},
}

func printMessage(m *loqui.Message) {
	ts := m.CreatedAt.Local().Format("15:04")
	status := ""
	if m.Status == loqui.StatusFailed {
		status = " [failed]"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, m.SenderID, m.Content, status)
}

func tail(msgs []loqui.Message, n int) []loqui.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
