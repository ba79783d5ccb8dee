package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/coachport/chatsync/notify"
	"github.com/coachport/chatsync/store"
)

var (
	// ErrSessionClosed is returned by Send on a closed session.
	ErrSessionClosed = errors.New("engine: session closed")

	// ErrNoUploader is returned by SendImage when the session was
	// opened without an attachment uploader.
	ErrNoUploader = errors.New("engine: no attachment uploader configured")
)

// Uploader stores attachment binaries and returns a stable URL. It is
// an external collaborator; the engine only requires that a returned
// URL is immediately dereferenceable.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// UploadError wraps an attachment upload failure. When SendImage
// returns one, no message was written.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("engine: attachment upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Options tunes an open session. All fields are optional.
type Options struct {
	// Publisher receives a message-created event after every
	// successful send, for the push-notification pipeline. Publish
	// failures are logged and never fail the send.
	Publisher notify.Publisher

	// Uploader enables SendImage.
	Uploader Uploader

	// OnDiag receives non-fatal diagnostics (*FeedError and the
	// like) in addition to their being logged.
	OnDiag DiagFunc
}

// Session is the open handle on one conversation, bound to a fixed
// (me, other) pair with viewer = me. It owns one merger and one
// reconciler; the caller's observer and the reconciler see every
// merged emission.
type Session struct {
	st        store.Store
	me, other store.UserID

	merger *Merger
	rec    *reconciler
	pub    notify.Publisher
	up     Uploader

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// Open starts the feeds for (me, other) and wires merged emissions
// into both the reconciler and observer. observer may be nil for
// callers that only want the read-state side effect.
func Open(ctx context.Context, st store.Store, me, other store.UserID, observer MergeFunc, opts Options) (*Session, error) {
	if me == "" || other == "" {
		return nil, fmt.Errorf("engine: open session: empty user id")
	}
	if me == other {
		return nil, fmt.Errorf("engine: open session: cannot converse with self")
	}

	s := &Session{
		st:    st,
		me:    me,
		other: other,
		rec:   newReconciler(st, me),
		pub:   opts.Publisher,
		up:    opts.Uploader,
	}

	onMerge := func(msgs []store.Message) {
		s.rec.observe(msgs)
		if observer != nil {
			observer(msgs)
		}
	}

	merger, err := OpenMerger(ctx, st, me, other, onMerge, opts.OnDiag)
	if err != nil {
		s.rec.close()
		return nil, err
	}
	s.merger = merger
	openSessions.Inc()
	glog.V(5).Infof("session open: %s <-> %s", me, other)
	return s, nil
}

// Send writes a new message from me to other. attachmentURL, when
// non-empty, must already be a stable uploaded URL; use SendImage to
// upload raw bytes as part of the send. A message with neither text
// nor attachment fails with store.ErrInvalidMessage before anything
// reaches the store.
func (s *Session) Send(ctx context.Context, text, attachmentURL string) (store.MessageID, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	body, err := store.NewBody(text, attachmentURL)
	if err != nil {
		sendsTotal.WithLabelValues("invalid").Inc()
		return "", err
	}
	msg, err := s.st.Append(ctx, s.me, s.other, body)
	if err != nil {
		sendsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	sendsTotal.WithLabelValues("ok").Inc()

	if s.pub != nil {
		if err := s.pub.MessageCreated(ctx, msg); err != nil {
			glog.Errorf("session %s->%s: publish message created: %v", s.me, s.other, err)
		}
	}
	return msg.ID, nil
}

// SendImage uploads the attachment first and only then writes the
// message, so a failed upload leaves no partial message behind.
func (s *Session) SendImage(ctx context.Context, text, name string, img io.Reader) (store.MessageID, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	if s.up == nil {
		return "", ErrNoUploader
	}
	url, err := s.up.Upload(ctx, name, img)
	if err != nil {
		sendsTotal.WithLabelValues("upload_error").Inc()
		return "", &UploadError{Name: name, Err: err}
	}
	return s.Send(ctx, text, url)
}

// Peer returns the counterparty of the session.
func (s *Session) Peer() store.UserID { return s.other }

// Close tears down the merger and reconciler together. When it
// returns, no further observer callbacks fire; an in-flight mark-read
// write completes in the background and its result is discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.merger.Close()
		s.rec.close()
		openSessions.Dec()
		glog.V(5).Infof("session closed: %s <-> %s", s.me, s.other)
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
