package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	marketplace "github.com/bjoelf/marketplace-adapter/adapter"
	"github.com/bjoelf/marketplace-adapter/adapter/cache"
	"github.com/bjoelf/marketplace-adapter/adapter/websocket"
	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for the channel before posting through the API")
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
}

func (a *app) realtime() *websocket.Client {
	merger := cache.NewMerger(a.logger)
	return websocket.NewClient(websocket.Config{
		URL:       a.cfg.WebSocketURL,
		BaseDelay: a.cfg.Reconnect.BaseDelay.Duration,
		MaxDelay:  a.cfg.Reconnect.MaxDelay.Duration,
	}, a.client.Tokens, merger, a.logger)
}

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id|notifications>",
	Short: "Follow a chat conversation or the notification feed until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := websocket.ParseScope(args[0])
		if err != nil {
			return err
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		if !a.client.Session.IsAuthenticated() {
			return fmt.Errorf("not logged in")
		}

		rt := a.realtime()
		defer rt.Close()
		seedHistory(cmd.Context(), a, rt.Merger(), scope)

		sub, err := rt.Subscribe(cmd.Context(), scope)
		if err != nil {
			return err
		}

		for ev := range sub.Events() {
			printEvent(ev)
		}

		fmt.Printf("\n%s: %d cached, %d unread\n", scope, len(rt.Merger().Feed(scope.Key())), rt.Merger().UnreadCount(scope.Key()))
		for _, e := range rt.Merger().Feed(scope.Key()) {
			printEntry(e)
		}
		return nil
	},
}

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send one message over the conversation channel",
	Long: "Opens the conversation channel and sends a message frame. If the channel is not open\n" +
		"within --wait the message is posted through the REST API instead.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		a, err := loadApp()
		if err != nil {
			return err
		}

		rt := a.realtime()
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
		defer cancel()

		sub, err := rt.Subscribe(ctx, websocket.ConversationScope(id))
		if err != nil {
			return err
		}
		for ev := range sub.Events() {
			switch ev.Type {
			case websocket.EventConnected:
				err := rt.SendMessage(ctx, id, args[1])
				if err == nil {
					fmt.Println("Sent")
					return nil
				}
				a.logger.Warn().Err(err).Msg("channel send failed")
				return postMessage(cmd.Context(), a, id, args[1])
			case websocket.EventReconnecting:
				a.logger.Warn().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("waiting for channel")
			}
		}
		a.logger.Warn().Err(ctx.Err()).Msg("channel did not open, posting through API")
		return postMessage(cmd.Context(), a, id, args[1])
	},
}

func postMessage(ctx context.Context, a *app, conversationID int64, content string) error {
	msg, err := a.client.Chat.PostMessage(ctx, conversationID, content)
	if err != nil {
		return err
	}
	fmt.Printf("Posted message %d\n", msg.ID)
	return nil
}

// seedHistory merges the latest page of REST history so pushed frames that
// overlap it are recognised as duplicates
func seedHistory(ctx context.Context, a *app, merger *cache.Merger, scope websocket.Scope) {
	key := scope.Key()
	switch scope.Kind {
	case websocket.ScopeConversation:
		page, err := a.client.Chat.Messages(ctx, scope.ID, marketplace.ListParams{})
		if err != nil {
			a.logger.Warn().Err(err).Msg("history unavailable")
			return
		}
		for _, m := range page.Results {
			merger.Apply(key, cache.MessageEvent{
				ID:             m.ID,
				ConversationID: m.Conversation,
				SenderID:       m.Sender,
				SenderUsername: m.SenderUsername,
				Content:        m.Content,
				CreatedAt:      m.CreatedAt,
				Read:           m.IsRead,
			})
		}
	case websocket.ScopeNotifications:
		page, err := a.client.Chat.Notifications(ctx, marketplace.ListParams{})
		if err != nil {
			a.logger.Warn().Err(err).Msg("notifications unavailable")
			return
		}
		for _, n := range page.Results {
			merger.Apply(key, cache.NotificationEvent{
				ID:        n.ID,
				Verb:      n.Verb,
				Title:     n.Title,
				Body:      n.Message,
				CreatedAt: n.CreatedAt,
				Read:      n.IsRead,
			})
		}
	}
}

func printEvent(ev websocket.Event) {
	ts := time.Now().Format(time.TimeOnly)
	switch ev.Type {
	case websocket.EventConnected:
		fmt.Printf("%s * connected to %s\n", ts, ev.Scope)
	case websocket.EventDisconnected:
		fmt.Printf("%s * disconnected\n", ts)
	case websocket.EventReconnecting:
		fmt.Printf("%s * reconnecting in %s (attempt %d)\n", ts, ev.Delay, ev.Attempt+1)
	case websocket.EventError:
		fmt.Printf("%s ! %v\n", ts, ev.Err)
	case websocket.EventFrame:
		switch f := ev.Frame.(type) {
		case websocket.ChatMessageFrame:
			fmt.Printf("%s <%s> %s\n", ts, f.Message.SenderUsername, f.Message.Content)
		case websocket.ReadReceiptFrame:
			fmt.Printf("%s - user %d read message %d\n", ts, f.UserID, f.MessageID)
		case websocket.TypingFrame:
			if f.IsTyping {
				fmt.Printf("%s - %s is typing\n", ts, f.Username)
			}
		case websocket.NotificationFrame:
			fmt.Printf("%s [%s] %s\n", ts, f.Notification.Title, f.Notification.Message)
		}
	}
}

func printEntry(e cache.Entry) {
	mark := " "
	if !e.Read {
		mark = "*"
	}
	switch e.Kind {
	case cache.KindNotification:
		fmt.Printf("%s %6d %s: %s\n", mark, e.ID, e.Title, e.Body)
	default:
		fmt.Printf("%s %6d <%s> %s\n", mark, e.ID, e.SenderUsername, e.Body)
	}
}
