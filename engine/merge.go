// Package engine is the conversation synchronization engine: it merges
// the two directional live feeds of a conversation into one ordered
// thread, reconciles read state for the viewing user, and aggregates
// the per-user unread set for badges.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/coachport/chatsync/store"
)

// Direction names one half of a conversation relative to the local
// user ("me").
type Direction int

const (
	Outbound Direction = iota // me -> other
	Inbound                   // other -> me
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// FeedError is the non-fatal diagnostic raised when one direction of a
// conversation feed fails to subscribe or errors mid-stream. The
// merger keeps serving the healthy direction.
type FeedError struct {
	Dir Direction
	Err error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("engine: %s feed unavailable: %v", e.Dir, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// MergeFunc receives the merged thread. The slice is sorted by
// (timestamp asc, id asc) and must not be retained past the call.
type MergeFunc func(msgs []store.Message)

// DiagFunc receives non-fatal diagnostics such as *FeedError.
type DiagFunc func(err error)

// Merger subscribes to both directional slices of a conversation and
// recomputes one deduplicated, time-ordered thread on every
// notification from either feed. Callbacks run on the merger's own
// goroutine, so they are serialized, and none fire after Close
// returns.
type Merger struct {
	me, other store.UserID

	onMerge MergeFunc
	onDiag  DiagFunc

	outbound store.Subscription // nil when the subscribe itself failed
	inbound  store.Subscription

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// OpenMerger subscribes both directions and starts merging. A single
// failed subscription degrades to the healthy feed and raises one
// FeedError diagnostic via onDiag; only when both subscriptions fail
// does OpenMerger return an error.
func OpenMerger(ctx context.Context, st store.Store, me, other store.UserID, onMerge MergeFunc, onDiag DiagFunc) (*Merger, error) {
	ctx, cancel := context.WithCancel(ctx)

	m := &Merger{
		me:      me,
		other:   other,
		onMerge: onMerge,
		onDiag:  onDiag,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	var subErrs []error

	out, err := st.Subscribe(ctx, store.Filter{SenderID: me, ReceiverID: other}, store.OrderAsc)
	if err != nil {
		m.diag(&FeedError{Dir: Outbound, Err: err})
		subErrs = append(subErrs, err)
	} else {
		m.outbound = out
	}

	in, err := st.Subscribe(ctx, store.Filter{SenderID: other, ReceiverID: me}, store.OrderAsc)
	if err != nil {
		m.diag(&FeedError{Dir: Inbound, Err: err})
		subErrs = append(subErrs, err)
	} else {
		m.inbound = in
	}

	if m.outbound == nil && m.inbound == nil {
		cancel()
		return nil, fmt.Errorf("engine: open merger %s<->%s: both feeds failed: %v", me, other, subErrs)
	}

	go m.run(ctx)
	return m, nil
}

// Close tears down both subscriptions and waits for the merge loop to
// exit, which is what makes the no-callbacks-after-return guarantee
// hold. Safe to call more than once.
func (m *Merger) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		if m.outbound != nil {
			m.outbound.Close()
		}
		if m.inbound != nil {
			m.inbound.Close()
		}
		<-m.done
	})
}

func (m *Merger) diag(err error) {
	mergeFeedErrors.WithLabelValues(errDirection(err)).Inc()
	glog.Errorf("merger %s<->%s: %v", m.me, m.other, err)
	if m.onDiag != nil {
		m.onDiag(err)
	}
}

func errDirection(err error) string {
	if fe, ok := err.(*FeedError); ok {
		return fe.Dir.String()
	}
	return "unknown"
}

func (m *Merger) run(ctx context.Context) {
	defer close(m.done)

	var outMsgs, inMsgs []store.Message
	var outFailed, inFailed bool

	// Nil subscriptions leave nil channels behind, which simply never
	// fire in the select.
	var outUpdates <-chan []store.Message
	var outErrs <-chan error
	if m.outbound != nil {
		outUpdates = m.outbound.Updates()
		outErrs = m.outbound.Errs()
	}
	var inUpdates <-chan []store.Message
	var inErrs <-chan error
	if m.inbound != nil {
		inUpdates = m.inbound.Updates()
		inErrs = m.inbound.Errs()
	}

	emit := func() {
		mergeRecomputations.Inc()
		m.onMerge(mergeMessages(outMsgs, inMsgs))
	}

	// First emission never waits for feed data, so callers render an
	// empty thread immediately.
	emit()

	for {
		select {
		case <-ctx.Done():
			return

		case msgs, ok := <-outUpdates:
			if !ok {
				outUpdates = nil
				continue
			}
			outMsgs = msgs
			outFailed = false
			emit()

		case msgs, ok := <-inUpdates:
			if !ok {
				inUpdates = nil
				continue
			}
			inMsgs = msgs
			inFailed = false
			emit()

		case err, ok := <-outErrs:
			if !ok {
				outErrs = nil
				continue
			}
			// Diagnose the transition once, not once per retry.
			if !outFailed {
				outFailed = true
				outMsgs = nil
				m.diag(&FeedError{Dir: Outbound, Err: err})
				emit()
			}

		case err, ok := <-inErrs:
			if !ok {
				inErrs = nil
				continue
			}
			if !inFailed {
				inFailed = true
				inMsgs = nil
				m.diag(&FeedError{Dir: Inbound, Err: err})
				emit()
			}
		}
	}
}

// mergeMessages is the pure merge: union of both feeds' current
// contents, deduplicated by id, ordered by (timestamp asc, id asc).
func mergeMessages(a, b []store.Message) []store.Message {
	out := make([]store.Message, 0, len(a)+len(b))
	seen := make(map[store.MessageID]struct{}, len(a)+len(b))
	for _, src := range [2][]store.Message{a, b} {
		for _, m := range src {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	store.SortMessages(out, store.OrderAsc)
	return out
}
