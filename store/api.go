package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// UserID is an opaque user identifier assigned by the account system.
type UserID string

// MessageID is an opaque, store-assigned message identifier. IDs are
// fixed-width within one store so that their lexicographic order is a
// stable tie-breaker for messages with equal timestamps.
type MessageID string

// Message is a single chat message between two users. A message is
// immutable after Append except for the Read flag, which flips from
// false to true exactly once and never back. Messages are never
// deleted.
type Message struct {
	ID            MessageID `json:"id"`
	SenderID      UserID    `json:"sender_id"`
	ReceiverID    UserID    `json:"receiver_id"`
	Text          string    `json:"text,omitempty"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

// ErrInvalidMessage is returned when a message body carries neither
// text nor an attachment.
var ErrInvalidMessage = errors.New("store: message needs text or an attachment")

// ErrIndexUnavailable is returned by Subscribe when the store is not
// provisioned with an index for the requested compound filter. This is
// a deployment defect, not a transient fault, and callers log it
// distinctly.
var ErrIndexUnavailable = errors.New("store: no index for the requested filter")

// Body is the payload of a message: text, an attachment URL, or both.
// The zero Body is not valid; build one with NewBody so that the
// "neither present" state is unrepresentable past construction.
type Body struct {
	text          string
	attachmentURL string
}

// NewBody validates and builds a message body. Text that is empty
// after trimming counts as absent, but is preserved verbatim so an
// attachment-only message keeps its empty text field.
func NewBody(text, attachmentURL string) (Body, error) {
	if strings.TrimSpace(text) == "" && attachmentURL == "" {
		return Body{}, ErrInvalidMessage
	}
	return Body{text: text, attachmentURL: attachmentURL}, nil
}

func (b Body) Text() string          { return b.text }
func (b Body) AttachmentURL() string { return b.attachmentURL }

// Filter selects a slice of the message log. The stores support the
// two compound shapes the sync engine needs: (SenderID, ReceiverID)
// for one direction of a conversation, and (ReceiverID, OnlyUnread)
// for a user's unread set across all senders.
type Filter struct {
	SenderID   UserID // empty matches any sender
	ReceiverID UserID
	OnlyUnread bool
}

// Matches reports whether m is part of the filtered set.
func (f Filter) Matches(m Message) bool {
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.ReceiverID != "" && m.ReceiverID != f.ReceiverID {
		return false
	}
	if f.OnlyUnread && m.Read {
		return false
	}
	return true
}

// Order is the delivery order of a subscription, by timestamp.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// SortMessages sorts by timestamp in the given order. Equal timestamps
// fall back to ascending ID so the result is deterministic either way.
func SortMessages(msgs []Message, ord Order) {
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if ord == OrderDesc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// Subscription is a live feed over one filtered slice of the store.
//
// Updates delivers the full current matching set: once shortly after
// subscribing (possibly empty), then again after every relevant
// change. Errs carries non-fatal feed errors; after an error the feed
// stays subscribed and Updates resumes when the store recovers.
type Subscription interface {
	Updates() <-chan []Message
	Errs() <-chan error

	// Close tears the feed down. It is idempotent, and after it
	// returns the subscription delivers nothing further.
	Close()
}

// Store is the message store consumed by the sync engine. Append is
// the only way messages come into existence; MarkRead is the only
// mutation and is idempotent, so concurrent callers racing on the same
// ids converge without coordination.
type Store interface {
	// Append persists a new unread message. The store assigns the id
	// and timestamp and returns the stored message.
	Append(ctx context.Context, sender, receiver UserID, body Body) (Message, error)

	// Subscribe opens a live feed for the filter. It fails with an
	// error wrapping ErrIndexUnavailable when the store cannot serve
	// the compound filter.
	Subscribe(ctx context.Context, f Filter, ord Order) (Subscription, error)

	// MarkRead sets read=true on the given messages. Already-read and
	// unknown ids are skipped silently.
	MarkRead(ctx context.Context, ids []MessageID) error
}
