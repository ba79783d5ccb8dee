// Package ws serves the live client connection: one websocket per
// device, multiplexing conversation threads and the unread badge feed
// as JSON messages.
package ws

import (
	"github.com/coachport/chatsync/store"
)

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13
)

// Session identifies one authenticated websocket connection.
type Session struct {
	UID        store.UserID `json:"uid"`
	SID        string       `json:"sid"`
	CreateTime int64        `json:"create_time"`
	IP         string       `json:"ip"`
}

// ClientMsg is a request from the peer. Exactly one field is set.
type ClientMsg struct {
	Open        *OpenReq        `json:"open,omitempty"`
	Close       *CloseReq       `json:"close,omitempty"`
	Send        *SendReq        `json:"send,omitempty"`
	WatchUnread *WatchUnreadReq `json:"watch_unread,omitempty"`
}

// OpenReq opens the conversation with peer; the server starts pushing
// Thread updates for it.
type OpenReq struct {
	Peer string `json:"peer"`
}

// CloseReq closes a previously opened conversation.
type CloseReq struct {
	Peer string `json:"peer"`
}

// SendReq sends a message in an open conversation. AttachmentURL, when
// set, is a stable URL from the upload service.
type SendReq struct {
	Peer          string `json:"peer"`
	Text          string `json:"text,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

// WatchUnreadReq starts the unread badge feed for the connected user.
type WatchUnreadReq struct{}

// ServerMsg is a push to the peer. Exactly one field is set.
type ServerMsg struct {
	Thread  *ThreadUpdate `json:"thread,omitempty"`
	Unread  *UnreadUpdate `json:"unread,omitempty"`
	Sent    *SendAck      `json:"sent,omitempty"`
	Error   *Error        `json:"error,omitempty"`
	Kickoff bool          `json:"kickoff,omitempty"`
}

// ThreadUpdate carries the full merged thread of one conversation.
type ThreadUpdate struct {
	Peer     string        `json:"peer"`
	Messages []WireMessage `json:"messages"`
}

// UnreadUpdate carries the user's full unread set, most recent first.
type UnreadUpdate struct {
	Count    int           `json:"count"`
	Messages []WireMessage `json:"messages"`
}

// SendAck confirms a SendReq with the stored message id.
type SendAck struct {
	Peer string `json:"peer"`
	ID   string `json:"id"`
}

type Error struct {
	Code   int      `json:"code"`
	Params []string `json:"params,omitempty"`
}

// WireMessage is the JSON shape of a message on the socket.
type WireMessage struct {
	ID            string `json:"id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Text          string `json:"text,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	CreateTime    int64  `json:"create_time"` // unix millis
	Read          bool   `json:"read"`
}

func toWire(msgs []store.Message) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, WireMessage{
			ID:            string(m.ID),
			SenderID:      string(m.SenderID),
			ReceiverID:    string(m.ReceiverID),
			Text:          m.Text,
			AttachmentURL: m.AttachmentURL,
			CreateTime:    m.Timestamp.UnixMilli(),
			Read:          m.Read,
		})
	}
	return out
}
