//go:generate mockgen -source=api.go -destination=mock/mock_store.go

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a reference to a message that does not exist.
var ErrNotFound = errors.New("store: message not found")

// Message is a persisted chat message. ID and CreateTime are assigned exactly once by
// the store; EditedText and EditTime stay nil until the first edit.
type Message struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"-"` // insertion order, history is replayed by it
	Author     string     `json:"user"`
	Icon       string     `json:"icon,omitempty"`
	Text       string     `json:"text"`
	Image      string     `json:"image,omitempty"`
	CreateTime time.Time  `json:"time"`
	EditedText *string    `json:"edited_text,omitempty"`
	EditTime   *time.Time `json:"edited_at,omitempty"`
}

// NewMessage holds the caller supplied fields of a message to append.
type NewMessage struct {
	Author string
	Icon   string
	Text   string
	Image  string
}

// ReadReceipt records when a reader last read a message. There is at most one
// receipt per (MessageID, Reader).
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	Reader    string    `json:"user"`
	ReadTime  time.Time `json:"read_at"`
}

type EditResult int

const (
	EditOK EditResult = iota
	EditNotFound
	EditForbidden
)

func (r EditResult) String() string {
	switch r {
	case EditOK:
		return "ok"
	case EditNotFound:
		return "not_found"
	case EditForbidden:
		return "forbidden"
	}
	return "unknown"
}

type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadNotFound
)

func (r ReadResult) String() string {
	if r == ReadOK {
		return "ok"
	}
	return "not_found"
}

// IHistoryStore persists messages and read receipts. Every method is atomic on its own.
type IHistoryStore interface {
	// Append assigns id and creation time, then persists the message.
	Append(ctx context.Context, m NewMessage) (*Message, error)

	// Page returns the most recent messages, at most `limit`, oldest first.
	Page(ctx context.Context, limit int) ([]*Message, error)

	// SetEdit replaces the edited text of a message. The author check and the update
	// happen in one atomic unit; on EditForbidden nothing is written.
	SetEdit(ctx context.Context, messageID, editor, text string) (*Message, EditResult, error)

	// RecordRead upserts the receipt of (messageID, reader) with the current time.
	RecordRead(ctx context.Context, messageID, reader string) (*ReadReceipt, ReadResult, error)

	// Receipts lists receipts of a message, ErrNotFound for unknown messages.
	Receipts(ctx context.Context, messageID string) ([]*ReadReceipt, error)

	Close() error
}
