package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachport/chatsync/store"
)

func unreadFilter(u store.UserID) store.Filter {
	return store.Filter{ReceiverID: u, OnlyUnread: true}
}

func TestWatchUnreadTracksBadgeCount(t *testing.T) {
	st := newFakeStore()
	col := newCollector()

	w, err := WatchUnread(context.Background(), st, coach, col.fn, nil)
	require.NoError(t, err)
	defer w.Close()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in1 := msg(1, client, coach, ts, false)
	in2 := msg(2, "client-9", coach, ts.Add(time.Minute), false)
	in3 := msg(3, client, coach, ts.Add(2*time.Minute), false)

	st.feed(unreadFilter(coach)).push(in1, in2, in3)
	got := col.next(t)
	require.Len(t, got, 3)
	// Most recent first.
	assert.Equal(t, []store.MessageID{in3.ID, in2.ID, in1.ID}, ids(got))

	// Everything read elsewhere: the set collapses to empty, which is
	// how the badge clears.
	st.feed(unreadFilter(coach)).push()
	assert.Empty(t, col.next(t))
}

func TestWatchUnreadFailsWhenSubscribeFails(t *testing.T) {
	st := newFakeStore()
	st.failSubscribe(unreadFilter(coach), store.ErrIndexUnavailable)

	_, err := WatchUnread(context.Background(), st, coach, func([]store.Message) {}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIndexUnavailable)
}

func TestWatchUnreadSurvivesFeedErrors(t *testing.T) {
	st := newFakeStore()
	col := newCollector()
	diags := &diagCollector{}

	w, err := WatchUnread(context.Background(), st, coach, col.fn, diags.fn)
	require.NoError(t, err)
	defer w.Close()

	st.feed(unreadFilter(coach)).fail(errors.New("stream reset"))
	require.Eventually(t, func() bool { return diags.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st.feed(unreadFilter(coach)).push(msg(1, client, coach, ts, false))

	got := col.next(t)
	assert.Len(t, got, 1)
}

func TestWatchUnreadCloseStopsCallbacks(t *testing.T) {
	st := newFakeStore()
	col := newCollector()

	w, err := WatchUnread(context.Background(), st, coach, col.fn, nil)
	require.NoError(t, err)

	w.Close()
	w.Close()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	go st.feed(unreadFilter(coach)).push(msg(1, client, coach, ts, false))
	col.assertQuiet(t, 200*time.Millisecond)
}
