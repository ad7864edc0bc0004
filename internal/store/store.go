// Package store persists chat messages on behalf of the realtime server.
//
// The realtime core never reads from the store; handlers persist a message
// first and only then hand it to the dispatcher for fanout.
package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

const (
	// MaxContentLength is the longest message body accepted, in characters.
	MaxContentLength = 2000
	// DefaultListLimit is used when a history request has no limit.
	DefaultListLimit = 50
	// MaxListLimit caps history requests.
	MaxListLimit = 100
)

var (
	// ErrInvalidMessage is returned for empty or oversized content.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound is returned when a referenced message does not exist.
	ErrNotFound = errors.New("not found")
)

// Message is a persisted chat message.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the input of CreateMessage.
type NewMessage struct {
	ChannelID uuid.UUID
	UserID    uuid.UUID
	Username  string
	Content   string
}

// MessageStore is the persistence collaborator used by the HTTP and
// websocket handlers.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	// ListMessages returns up to limit messages of a channel, newest first.
	// A non-nil before restricts the result to messages older than it.
	ListMessages(ctx context.Context, channelID uuid.UUID, limit int, before uuid.UUID) ([]Message, error)
	Close(ctx context.Context) error
}

// Validate normalizes and checks a new message.
func (m NewMessage) Validate() (NewMessage, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.ChannelID == uuid.Nil {
		return m, errors.Annotate(ErrInvalidMessage, "channel id is required")
	}
	if m.UserID == uuid.Nil {
		return m, errors.Annotate(ErrInvalidMessage, "user id is required")
	}
	if m.Content == "" {
		return m, errors.Annotate(ErrInvalidMessage, "message content cannot be empty")
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return m, errors.Annotatef(ErrInvalidMessage, "message cannot exceed %d characters", MaxContentLength)
	}
	return m, nil
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	return errors.Cause(err) == ErrInvalidMessage
}

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// ClampLimit applies the default and maximum history limits.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

func newRecord(msg NewMessage, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		CreatedAt: now.UTC(),
	}
}
