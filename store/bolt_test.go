package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	st, err := OpenBolt(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mustBody(t *testing.T, text, attachment string) Body {
	t.Helper()
	b, err := NewBody(text, attachment)
	require.NoError(t, err)
	return b
}

func nextUpdate(t *testing.T, sub Subscription) []Message {
	t.Helper()
	select {
	case msgs := <-sub.Updates():
		return msgs
	case err := <-sub.Errs():
		t.Fatalf("unexpected feed error: %v", err)
		return nil
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed update")
		return nil
	}
}

func TestBoltAppendAssignsOrderedIDs(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "one", ""))
	require.NoError(t, err)
	m2, err := st.Append(ctx, "alice", "bob", mustBody(t, "two", ""))
	require.NoError(t, err)

	assert.Equal(t, len(m1.ID), len(m2.ID))
	assert.Less(t, string(m1.ID), string(m2.ID))
	assert.False(t, m1.Read)
	assert.False(t, m1.Timestamp.IsZero())
}

func TestBoltPairFeedSnapshotThenDelta(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "one", ""))
	require.NoError(t, err)
	// Traffic outside the pair never shows up in the feed.
	_, err = st.Append(ctx, "carol", "bob", mustBody(t, "noise", ""))
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	require.NoError(t, err)
	defer sub.Close()

	snap := nextUpdate(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, m1.ID, snap[0].ID)

	m2, err := st.Append(ctx, "alice", "bob", mustBody(t, "two", ""))
	require.NoError(t, err)

	delta := nextUpdate(t, sub)
	require.Len(t, delta, 2)
	assert.Equal(t, []MessageID{m1.ID, m2.ID}, msgIDs(delta))
}

func TestBoltFirstDeliveryMayBeEmpty(t *testing.T) {
	st := openTestBolt(t)

	sub, err := st.Subscribe(context.Background(), Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, nextUpdate(t, sub))
}

func TestBoltUnreadFeedAndMarkRead(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "one", ""))
	require.NoError(t, err)
	m2, err := st.Append(ctx, "carol", "bob", mustBody(t, "two", ""))
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, Filter{ReceiverID: "bob", OnlyUnread: true}, OrderDesc)
	require.NoError(t, err)
	defer sub.Close()

	snap := nextUpdate(t, sub)
	require.Len(t, snap, 2)

	require.NoError(t, st.MarkRead(ctx, []MessageID{m1.ID}))
	after := nextUpdate(t, sub)
	require.Len(t, after, 1)
	assert.Equal(t, m2.ID, after[0].ID)

	require.NoError(t, st.MarkRead(ctx, []MessageID{m2.ID}))
	assert.Empty(t, nextUpdate(t, sub))
}

func TestBoltMarkReadIdempotent(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "one", ""))
	require.NoError(t, err)

	// Repeats and unknown ids are silently skipped.
	require.NoError(t, st.MarkRead(ctx, []MessageID{m1.ID}))
	require.NoError(t, st.MarkRead(ctx, []MessageID{m1.ID, "no-such-id"}))
	require.NoError(t, st.MarkRead(ctx, nil))

	sub, err := st.Subscribe(ctx, Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	require.NoError(t, err)
	defer sub.Close()

	snap := nextUpdate(t, sub)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Read)
}

func TestBoltUnchangedWritesDoNotRedeliver(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "one", ""))
	require.NoError(t, err)
	require.NoError(t, st.MarkRead(ctx, []MessageID{m1.ID}))

	sub, err := st.Subscribe(ctx, Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	require.NoError(t, err)
	defer sub.Close()
	nextUpdate(t, sub)

	// Already read, so nothing changes and the feed stays quiet.
	require.NoError(t, st.MarkRead(ctx, []MessageID{m1.ID}))

	select {
	case msgs := <-sub.Updates():
		t.Fatalf("unexpected redelivery of %d messages", len(msgs))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBoltSubscribeCanceledContext(t *testing.T) {
	st := openTestBolt(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := st.Subscribe(ctx, Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	assert.Error(t, err)
}

func TestBoltAttachmentRoundTrip(t *testing.T) {
	st := openTestBolt(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "alice", "bob", mustBody(t, "", "https://cdn.example.com/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "", m1.Text)

	sub, err := st.Subscribe(ctx, Filter{SenderID: "alice", ReceiverID: "bob"}, OrderAsc)
	require.NoError(t, err)
	defer sub.Close()

	snap := nextUpdate(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, "https://cdn.example.com/a.jpg", snap[0].AttachmentURL)
	assert.Equal(t, "", snap[0].Text)
}
