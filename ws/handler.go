package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/coachport/chatsync/engine"
	"github.com/coachport/chatsync/store"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

// Handler manages one active connection. Every websocket upgrade
// creates a new session; engine sessions and the unread watch hang off
// it and die with it.
type Handler struct {
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData
	done     chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	convos map[store.UserID]*engine.Session
	unread *engine.UnreadWatch
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.closeOnce.Do(func() {
		// done first: it unblocks engine callbacks parked in
		// appendDataChan, so the teardown below cannot deadlock.
		close(h.done)

		h.mu.Lock()
		convos := h.convos
		h.convos = nil
		unread := h.unread
		h.unread = nil
		h.mu.Unlock()

		for _, conv := range convos {
			conv.Close()
		}
		if unread != nil {
			unread.Close()
		}

		h.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
		h.conn.Close()

		if cause != ServerStop {
			glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
			// Ask the hub to forget this handler.
			h.hub.delHandler(h.session.SID)
		}
	})
}

func (h *Handler) appendDataChan(v *SessionData) {
	select {
	case <-h.done:
	case h.dataChan <- v:
	}
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-h.done:
			return
		default:
		}

		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError("websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError(fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		switch {
		case req.Open != nil:
			h.handleOpen(req.Open)
		case req.Close != nil:
			h.handleClose(req.Close)
		case req.Send != nil:
			h.handleSend(req.Send)
		case req.WatchUnread != nil:
			h.handleWatchUnread()
		default:
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError("unsupported request"),
			}})
		}
	}
}

func (h *Handler) handleOpen(req *OpenReq) {
	peer := store.UserID(req.Peer)
	if peer == "" {
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
			Error: newInvalidArgumentError("open: peer is required"),
		}})
		return
	}

	h.mu.Lock()
	_, exists := h.convos[peer]
	h.mu.Unlock()
	if exists {
		// Idempotent from the client's view; the next thread
		// emission restates the full state anyway.
		return
	}

	observer := func(msgs []store.Message) {
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
			Thread: &ThreadUpdate{Peer: string(peer), Messages: toWire(msgs)},
		}})
	}
	onDiag := func(err error) {
		if errors.Is(err, store.ErrIndexUnavailable) {
			glog.Errorf("session %s: missing store index, deployment defect: %v", h.session.UID, err)
		}
	}

	conv, err := engine.Open(context.Background(), h.hub.st, h.session.UID, peer, observer, engine.Options{
		Publisher: h.hub.pub,
		OnDiag:    onDiag,
	})
	if err != nil {
		glog.Errorf("handleOpen(): open %s<->%s: %v", h.session.UID, peer, err)
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: newInternalError(err.Error())}})
		return
	}

	h.mu.Lock()
	if h.convos == nil {
		// Lost the race with close; undo.
		h.mu.Unlock()
		conv.Close()
		return
	}
	h.convos[peer] = conv
	h.mu.Unlock()
}

func (h *Handler) handleClose(req *CloseReq) {
	peer := store.UserID(req.Peer)
	h.mu.Lock()
	conv := h.convos[peer]
	delete(h.convos, peer)
	h.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

func (h *Handler) handleSend(req *SendReq) {
	peer := store.UserID(req.Peer)
	h.mu.Lock()
	conv := h.convos[peer]
	h.mu.Unlock()
	if conv == nil {
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
			Error: newInvalidArgumentError("send: conversation is not open"),
		}})
		return
	}

	id, err := conv.Send(context.Background(), req.Text, req.AttachmentURL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidMessage) {
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError("send: message needs text or an attachment"),
			}})
			return
		}
		glog.Errorf("handleSend(): %s->%s: %v", h.session.UID, peer, err)
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: newInternalError("temp storage error")}})
		return
	}

	h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
		Sent: &SendAck{Peer: string(peer), ID: string(id)},
	}})
}

func (h *Handler) handleWatchUnread() {
	h.mu.Lock()
	exists := h.unread != nil
	h.mu.Unlock()
	if exists {
		return
	}

	onChange := func(msgs []store.Message) {
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
			Unread: &UnreadUpdate{Count: len(msgs), Messages: toWire(msgs)},
		}})
	}

	watch, err := engine.WatchUnread(context.Background(), h.hub.st, h.session.UID, onChange, nil)
	if err != nil {
		glog.Errorf("handleWatchUnread(): %s: %v", h.session.UID, err)
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: newInternalError(err.Error())}})
		return
	}

	h.mu.Lock()
	if h.unread != nil || h.convos == nil {
		h.mu.Unlock()
		watch.Close()
		return
	}
	h.unread = watch
	h.mu.Unlock()
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case <-h.done:
			return
		case v := <-h.dataChan:
			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h.String(), err)
				h.close(PingError)
				return
			}
		}
	}
}

func newInvalidArgumentError(errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
	}
}

func newInternalError(err string) *Error {
	return &Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
	}
}
