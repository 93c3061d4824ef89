package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound frame types
const (
	frameChatMessage  = "chat.message"
	frameReadReceipt  = "read.receipt"
	frameTyping       = "typing"
	frameNotification = "notification"
	frameError        = "error"
)

// Outbound frame types
const (
	outboundMessage     = "message"
	outboundTyping      = "typing"
	outboundReadReceipt = "read_receipt"
)

// Frame is a decoded inbound frame. The concrete type is one of
// ChatMessageFrame, ReadReceiptFrame, TypingFrame, NotificationFrame,
// ErrorFrame or UnknownFrame.
type Frame interface {
	FrameType() string
}

// ChatMessage is a message as serialized by the chat API
type ChatMessage struct {
	ID             int64     `json:"id"`
	Conversation   int64     `json:"conversation"`
	Sender         int64     `json:"sender"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Notification is an account notification as serialized by the API
type Notification struct {
	ID        int64     `json:"id"`
	Verb      string    `json:"verb"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

type ChatMessageFrame struct {
	Message ChatMessage `json:"message"`
}

type ReadReceiptFrame struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
}

type TypingFrame struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type NotificationFrame struct {
	Notification Notification `json:"notification"`
}

type ErrorFrame struct {
	Message string `json:"message"`
}

// UnknownFrame carries a frame whose type this client does not understand
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

func (ChatMessageFrame) FrameType() string  { return frameChatMessage }
func (ReadReceiptFrame) FrameType() string  { return frameReadReceipt }
func (TypingFrame) FrameType() string       { return frameTyping }
func (NotificationFrame) FrameType() string { return frameNotification }
func (ErrorFrame) FrameType() string        { return frameError }
func (f UnknownFrame) FrameType() string    { return f.Type }

// DecodeFrame parses one inbound text frame
func DecodeFrame(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var (
		frame Frame
		err   error
	)
	switch envelope.Type {
	case frameChatMessage:
		var f ChatMessageFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case frameReadReceipt:
		var f ReadReceiptFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case frameTyping:
		var f TypingFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case frameNotification:
		var f NotificationFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case frameError:
		var f ErrorFrame
		err = json.Unmarshal(data, &f)
		frame = f
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		frame = UnknownFrame{Type: envelope.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", envelope.Type, err)
	}
	return frame, nil
}

// OutboundFrame is what the client writes: {"type": ..., "payload": {...}}
type OutboundFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func OutboundMessage(content string) OutboundFrame {
	return OutboundFrame{Type: outboundMessage, Payload: map[string]string{"content": content}}
}

func OutboundTyping(isTyping bool) OutboundFrame {
	return OutboundFrame{Type: outboundTyping, Payload: map[string]bool{"is_typing": isTyping}}
}

func OutboundReadReceipt(messageID int64) OutboundFrame {
	return OutboundFrame{Type: outboundReadReceipt, Payload: map[string]int64{"message_id": messageID}}
}
