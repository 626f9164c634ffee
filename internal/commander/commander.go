package commander

import "context"

// Commander is the chat platform abstraction used by the relay.
type Commander interface {
	GetMe(ctx context.Context) (User, error)
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
}

// Update represents an incoming platform update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the narrow view of an inbound chat message.
type Message struct {
	MessageID int64    `json:"message_id"`
	Chat      Chat     `json:"chat"`
	From      *User    `json:"from,omitempty"`
	Text      *string  `json:"text,omitempty"`
	Date      int64    `json:"date"`
	ReplyTo   *Message `json:"reply_to_message,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User identifies a message author.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// TextOrEmpty returns the message text, or "" when the message has none.
func (m *Message) TextOrEmpty() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}
