package model

import (
	"errors"
	"fmt"
)

// MaxAttachmentNameLength bounds attachment file names.
const MaxAttachmentNameLength = 255

var ErrMessageNoSender = errors.New("message sender must not be empty")
var ErrMessageNoRecipient = errors.New("message recipient must not be empty")
var ErrAttachmentNameEmpty = errors.New("attachment name must not be empty")
var ErrAttachmentNameTooLong = fmt.Errorf("attachment name exceeds %d characters", MaxAttachmentNameLength)

// Validate checks the fields the router relies on. The text may be empty
// when an attachment is present.
func (m *Message) Validate() error {
	if m.Sender == "" {
		return ErrMessageNoSender
	}
	if m.Recipient == "" {
		return ErrMessageNoRecipient
	}
	if m.Attachment != nil {
		if m.Attachment.Name == "" {
			return ErrAttachmentNameEmpty
		}
		if len(m.Attachment.Name) > MaxAttachmentNameLength {
			return ErrAttachmentNameTooLong
		}
	}
	return nil
}
