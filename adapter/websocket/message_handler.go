package websocket

import (
	"github.com/bjoelf/marketplace-adapter/adapter/cache"
	"github.com/rs/zerolog"
)

// MessageHandler routes decoded frames into the cache merger and out to the
// scope's subscribers.
type MessageHandler struct {
	client *Client
	merger *cache.Merger
	logger zerolog.Logger
}

func NewMessageHandler(client *Client, merger *cache.Merger) *MessageHandler {
	return &MessageHandler{
		client: client,
		merger: merger,
		logger: client.logger.With().Str("handler", "frames").Logger(),
	}
}

// Handle processes one raw inbound frame for scope. Malformed frames are
// logged and dropped; the socket stays open.
func (mh *MessageHandler) Handle(scope Scope, data []byte) {
	key := scope.Key()

	conn := mh.client.lookup(key)
	if conn == nil {
		mh.logger.Warn().Str("scope", key).Msg("frame for scope without active channel dropped")
		return
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		mh.logger.Warn().Err(err).Str("scope", key).Int("size", len(data)).Msg("dropping malformed frame")
		return
	}

	switch f := frame.(type) {
	case ChatMessageFrame:
		m := f.Message
		if mh.merger.Apply(key, cache.MessageEvent{
			ID:             m.ID,
			ConversationID: m.Conversation,
			SenderID:       m.Sender,
			SenderUsername: m.SenderUsername,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			Read:           m.IsRead,
		}) {
			mh.logger.Debug().Str("scope", key).Int64("message_id", m.ID).Msg("message merged")
		} else {
			mh.logger.Debug().Str("scope", key).Int64("message_id", m.ID).Msg("duplicate message ignored")
		}

	case ReadReceiptFrame:
		mh.merger.Apply(key, cache.ReceiptEvent{MessageID: f.MessageID, UserID: f.UserID})

	case TypingFrame:
		mh.merger.Apply(key, cache.TypingEvent{UserID: f.UserID, Username: f.Username, IsTyping: f.IsTyping})

	case NotificationFrame:
		n := f.Notification
		mh.merger.Apply(key, cache.NotificationEvent{
			ID:        n.ID,
			Verb:      n.Verb,
			Title:     n.Title,
			Body:      n.Message,
			CreatedAt: n.CreatedAt,
			Read:      n.IsRead,
		})

	case ErrorFrame:
		mh.logger.Error().Str("scope", key).Str("message", f.Message).Msg("server reported error")
		conn.publish(Event{Type: EventError, Scope: scope, Err: &ServerError{Message: f.Message}})
		return

	case UnknownFrame:
		mh.logger.Warn().Str("scope", key).Str("type", f.Type).Msg("unknown frame type dropped")
		return
	}

	conn.publish(Event{Type: EventFrame, Scope: scope, Frame: frame})
}
