// Package channel defines the platform-neutral message types exchanged
// between the chat adapter and the conversation service.
package channel

import (
	"context"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Identity represents a sender's identity on a channel.
type Identity struct {
	UserID      int64
	Username    string
	DisplayName string
}

// Document is a file attached to an inbound message. FileID is the opaque
// platform reference, not a local handle.
type Document struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// InboundMessage is a message received from an external channel.
type InboundMessage struct {
	Channel    ChannelType
	ID         int
	ChatID     int64
	Sender     Identity
	Text       string
	Document   *Document
	ReceivedAt time.Time
}

// HasDocument reports whether the message carries a file.
func (m InboundMessage) HasDocument() bool {
	return m.Document != nil && strings.TrimSpace(m.Document.FileID) != ""
}

// Command splits a "/name[@bot] args" text into its lowercase name and the
// trimmed argument string. ok is false for non-command text.
func (m InboundMessage) Command() (name string, args string, ok bool) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(head, "@"); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// InboundHandler processes one inbound message.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// Replier sends a plain text reply into a chat.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}
