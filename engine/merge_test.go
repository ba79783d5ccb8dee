package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachport/chatsync/store"
)

const (
	coach  = store.UserID("coach-1")
	client = store.UserID("client-7")
)

func outFilter() store.Filter { return store.Filter{SenderID: coach, ReceiverID: client} }
func inFilter() store.Filter  { return store.Filter{SenderID: client, ReceiverID: coach} }

func ids(msgs []store.Message) []store.MessageID {
	out := make([]store.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMergerFirstEmissionIsEmpty(t *testing.T) {
	st := newFakeStore()
	col := newCollector()

	m, err := OpenMerger(context.Background(), st, coach, client, col.fn, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, col.next(t))
}

func TestMergerOrdersAndDeduplicates(t *testing.T) {
	st := newFakeStore()
	col := newCollector()

	m, err := OpenMerger(context.Background(), st, coach, client, col.fn, nil)
	require.NoError(t, err)
	defer m.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m1 := msg(1, coach, client, base, true)
	m2 := msg(2, client, coach, base.Add(time.Minute), false)
	m3 := msg(3, coach, client, base.Add(2*time.Minute), false)

	st.feed(outFilter()).push(m3, m1)
	st.feed(inFilter()).push(m2)
	// A resend of an already merged set must not duplicate anything.
	st.feed(outFilter()).push(m1, m3)

	got := col.settle(t, col.next(t))
	assert.Equal(t, []store.MessageID{m1.ID, m2.ID, m3.ID}, ids(got))
}

func TestMergerTieBreaksEqualTimestampsByID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := msg(2, coach, client, ts, false)
	b := msg(1, client, coach, ts, false)

	got := mergeMessages([]store.Message{a}, []store.Message{b})
	assert.Equal(t, []store.MessageID{b.ID, a.ID}, ids(got))
}

func TestMergerRandomInterleavings(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 5; round++ {
		var out, in []store.Message
		for i := 1; i <= 20; i++ {
			// Coarse timestamps force plenty of ties.
			ts := base.Add(time.Duration(rng.Intn(5)) * time.Second)
			if i%2 == 0 {
				out = append(out, msg(i, coach, client, ts, false))
			} else {
				in = append(in, msg(i, client, coach, ts, false))
			}
		}

		want := mergeMessages(out, in)

		st := newFakeStore()
		col := newCollector()
		m, err := OpenMerger(context.Background(), st, coach, client, col.fn, nil)
		require.NoError(t, err)

		// Deliver each feed in growing prefixes, randomly interleaved.
		type chunk struct {
			f    *fakeFeed
			msgs []store.Message
		}
		var chunks []chunk
		for i := 1; i <= len(out); i++ {
			chunks = append(chunks, chunk{st.feed(outFilter()), out[:i]})
		}
		for i := 1; i <= len(in); i++ {
			chunks = append(chunks, chunk{st.feed(inFilter()), in[:i]})
		}
		rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

		// Prefixes out of order would under-report, so end with both
		// feeds at their full contents, as a real store does.
		chunks = append(chunks,
			chunk{st.feed(outFilter()), out},
			chunk{st.feed(inFilter()), in})

		for _, c := range chunks {
			c.f.push(c.msgs...)
		}

		got := col.settle(t, col.next(t))
		assert.Equal(t, ids(want), ids(got), "round %d", round)
		m.Close()
	}
}

func TestMergerDegradesWhenOneSubscribeFails(t *testing.T) {
	st := newFakeStore()
	st.failSubscribe(inFilter(), errors.New("index missing"))

	col := newCollector()
	diags := &diagCollector{}

	m, err := OpenMerger(context.Background(), st, coach, client, col.fn, diags.fn)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 1, diags.count())
	var fe *FeedError
	require.ErrorAs(t, diags.diags[0], &fe)
	assert.Equal(t, Inbound, fe.Dir)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m1 := msg(1, coach, client, ts, false)
	st.feed(outFilter()).push(m1)

	got := col.settle(t, col.next(t))
	assert.Equal(t, []store.MessageID{m1.ID}, ids(got))
	assert.Equal(t, 1, diags.count())
}

func TestMergerFailsWhenBothSubscribesFail(t *testing.T) {
	st := newFakeStore()
	st.failSubscribe(outFilter(), errors.New("down"))
	st.failSubscribe(inFilter(), errors.New("down"))

	_, err := OpenMerger(context.Background(), st, coach, client, func([]store.Message) {}, nil)
	require.Error(t, err)
}

func TestMergerMidStreamErrorAndRecovery(t *testing.T) {
	st := newFakeStore()
	col := newCollector()
	diags := &diagCollector{}

	m, err := OpenMerger(context.Background(), st, coach, client, col.fn, diags.fn)
	require.NoError(t, err)
	defer m.Close()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m1 := msg(1, coach, client, ts, false)
	m2 := msg(2, client, coach, ts.Add(time.Second), false)

	st.feed(outFilter()).push(m1)
	st.feed(inFilter()).push(m2)
	full := col.settle(t, col.next(t))
	require.Equal(t, []store.MessageID{m1.ID, m2.ID}, ids(full))

	// Inbound feed fails: its contribution disappears, one diagnostic,
	// and repeated errors within the episode stay silent.
	st.feed(inFilter()).fail(errors.New("stream reset"))
	st.feed(inFilter()).fail(errors.New("stream reset"))
	degraded := col.settle(t, col.next(t))
	assert.Equal(t, []store.MessageID{m1.ID}, ids(degraded))
	assert.Equal(t, 1, diags.count())

	// Recovery: the next delivery restores the contribution, and a
	// later failure counts as a new episode.
	st.feed(inFilter()).push(m2)
	recovered := col.settle(t, col.next(t))
	assert.Equal(t, []store.MessageID{m1.ID, m2.ID}, ids(recovered))

	st.feed(inFilter()).fail(errors.New("stream reset"))
	col.settle(t, nil)
	assert.Equal(t, 2, diags.count())
}

func TestMergerCloseStopsCallbacks(t *testing.T) {
	st := newFakeStore()
	col := newCollector()

	m, err := OpenMerger(context.Background(), st, coach, client, col.fn, nil)
	require.NoError(t, err)
	col.next(t)

	m.Close()
	m.Close() // idempotent

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	go st.feed(outFilter()).push(msg(1, coach, client, ts, false))

	col.assertQuiet(t, 200*time.Millisecond)
}
