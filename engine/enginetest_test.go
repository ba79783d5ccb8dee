package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachport/chatsync/store"
)

// fakeFeed is a test-scripted store.Subscription.
type fakeFeed struct {
	updates chan []store.Message
	errs    chan error
	done    chan struct{}

	closeOnce sync.Once
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		updates: make(chan []store.Message, 16),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeFeed) Updates() <-chan []store.Message { return f.updates }
func (f *fakeFeed) Errs() <-chan error              { return f.errs }
func (f *fakeFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// push delivers a snapshot; it never blocks the test even when nobody
// is draining anymore.
func (f *fakeFeed) push(msgs ...store.Message) {
	cp := append([]store.Message(nil), msgs...)
	select {
	case f.updates <- cp:
	case <-f.done:
	}
}

func (f *fakeFeed) fail(err error) {
	select {
	case f.errs <- err:
	case <-f.done:
	}
}

// fakeStore scripts feeds per filter and records writes.
type fakeStore struct {
	mu       sync.Mutex
	feeds    map[string]*fakeFeed
	subErrs  map[string]error
	appended []store.Message
	marks    [][]store.MessageID
	markErr  error
	markGate chan struct{} // when set, MarkRead blocks until it closes
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		feeds:   make(map[string]*fakeFeed),
		subErrs: make(map[string]error),
	}
}

func filterKey(f store.Filter) string {
	return fmt.Sprintf("%s>%s|unread=%t", f.SenderID, f.ReceiverID, f.OnlyUnread)
}

// feed returns the scripted feed for a filter, creating it on demand
// so tests can grab it before or after the engine subscribes.
func (s *fakeStore) feed(f store.Filter) *fakeFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := filterKey(f)
	if fd, ok := s.feeds[k]; ok {
		return fd
	}
	fd := newFakeFeed()
	s.feeds[k] = fd
	return fd
}

func (s *fakeStore) failSubscribe(f store.Filter, err error) {
	s.mu.Lock()
	s.subErrs[filterKey(f)] = err
	s.mu.Unlock()
}

func (s *fakeStore) Subscribe(ctx context.Context, f store.Filter, ord store.Order) (store.Subscription, error) {
	s.mu.Lock()
	err := s.subErrs[filterKey(f)]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.feed(f), nil
}

func (s *fakeStore) Append(ctx context.Context, sender, receiver store.UserID, body store.Body) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := store.Message{
		ID:            store.MessageID(fmt.Sprintf("%016d", s.nextID)),
		SenderID:      sender,
		ReceiverID:    receiver,
		Text:          body.Text(),
		AttachmentURL: body.AttachmentURL(),
		Timestamp:     time.Now().UTC(),
	}
	s.appended = append(s.appended, m)
	return m, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, ids []store.MessageID) error {
	s.mu.Lock()
	gate := s.markGate
	err := s.markErr
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	s.marks = append(s.marks, append([]store.MessageID(nil), ids...))
	s.mu.Unlock()
	return err
}

func (s *fakeStore) markCalls() [][]store.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]store.MessageID, len(s.marks))
	copy(out, s.marks)
	return out
}

func (s *fakeStore) appendedMessages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.appended...)
}

func (s *fakeStore) setMarkErr(err error) {
	s.mu.Lock()
	s.markErr = err
	s.mu.Unlock()
}

// waitMarkCalls waits until n mark-read batches were attempted.
func (s *fakeStore) waitMarkCalls(t *testing.T, n int) [][]store.MessageID {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := s.markCalls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d mark-read calls, got %d", n, len(s.markCalls()))
	return nil
}

// collector captures merge emissions from the engine's goroutine.
type collector struct {
	ch chan []store.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan []store.Message, 64)}
}

func (c *collector) fn(msgs []store.Message) {
	c.ch <- append([]store.Message(nil), msgs...)
}

func (c *collector) next(t *testing.T) []store.Message {
	t.Helper()
	select {
	case msgs := <-c.ch:
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
		return nil
	}
}

// settle drains emissions until none arrive within the window, then
// returns the last seen one.
func (c *collector) settle(t *testing.T, last []store.Message) []store.Message {
	t.Helper()
	for {
		select {
		case msgs := <-c.ch:
			last = msgs
		case <-time.After(150 * time.Millisecond):
			return last
		}
	}
}

func (c *collector) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msgs := <-c.ch:
		t.Fatalf("unexpected emission of %d messages", len(msgs))
	case <-time.After(d):
	}
}

// diagCollector counts diagnostics.
type diagCollector struct {
	mu    sync.Mutex
	diags []error
}

func (d *diagCollector) fn(err error) {
	d.mu.Lock()
	d.diags = append(d.diags, err)
	d.mu.Unlock()
}

func (d *diagCollector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.diags)
}

// msg builds a test message. Fixed-width ids keep the tie-break rule
// aligned with the real stores.
func msg(id int, from, to store.UserID, ts time.Time, read bool) store.Message {
	return store.Message{
		ID:         store.MessageID(fmt.Sprintf("%016d", id)),
		SenderID:   from,
		ReceiverID: to,
		Text:       fmt.Sprintf("m%d", id),
		Timestamp:  ts,
		Read:       read,
	}
}
