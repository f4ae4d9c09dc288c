// Package model defines the core domain types for the chatting server.
package model

import "time"

// ServerIdentity is the reserved recipient of control commands and the
// sender of every server-originated reply.
const ServerIdentity = "Server"

// Attachment is an optional file payload carried by a Message.
type Attachment struct {
	Name string `yaml:"name"`
	Data []byte `yaml:"data,omitempty"`
}

// Message is a single chat or control message. Values are treated as
// immutable once they enter the registry.
type Message struct {
	Timestamp  int64       `yaml:"timestamp"` // unix milliseconds
	Sender     string      `yaml:"sender"`
	Recipient  string      `yaml:"recipient"` // identity, group name, or ServerIdentity
	Text       string      `yaml:"text"`
	Attachment *Attachment `yaml:"attachment,omitempty"` // nil for plain text
}

// NewMessage builds a plain text message stamped with the current time.
func NewMessage(sender, recipient, text string) Message {
	return Message{
		Timestamp: time.Now().UnixMilli(),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
	}
}

// ServerReply builds a message from the server to the given identity.
func ServerReply(to, text string) Message {
	return NewMessage(ServerIdentity, to, text)
}

// IsControl reports whether the message is addressed to the server itself.
func (m Message) IsControl() bool {
	return m.Recipient == ServerIdentity
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Clone returns a deep copy of the message, including its attachment bytes.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		a.Data = append([]byte(nil), m.Attachment.Data...)
		m.Attachment = &a
	}
	return m
}
