package engine

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/coachport/chatsync/store"
)

const (
	// One extra reconcile pass shortly after a session opens, to
	// catch inbound unread that existed before the feeds delivered
	// their first snapshot.
	openRecheckDelay = 500 * time.Millisecond

	// Upper bound for a single mark-read batch write.
	markWriteTimeout = 10 * time.Second
)

// reconciler transitions unread inbound messages to read, once per
// distinct inbound-unread batch, and recognizes the echoes of its own
// writes so the feedback loop through the feeds cannot amplify.
//
// Echo suppression is data driven: ids covered by the last successful
// batch are held in marked until an emission shows them read, and an
// emission only triggers a new batch when it contains an unread
// inbound id outside that set. Correctness never depends on the
// suppression — the underlying write is idempotent — it only bounds
// write volume.
type reconciler struct {
	st     store.Store
	viewer store.UserID

	mu      sync.Mutex
	closed  bool
	marking bool
	marked  map[store.MessageID]struct{}
	latest  []store.Message

	recheck *time.Timer
}

func newReconciler(st store.Store, viewer store.UserID) *reconciler {
	r := &reconciler{
		st:     st,
		viewer: viewer,
		marked: make(map[store.MessageID]struct{}),
	}
	r.recheck = time.AfterFunc(openRecheckDelay, r.kick)
	return r
}

// observe ingests a merged thread emission. It runs on the merge loop
// goroutine and never blocks on the store: the batch write happens on
// its own goroutine.
func (r *reconciler) observe(msgs []store.Message) {
	r.mu.Lock()
	r.latest = append(r.latest[:0], msgs...)
	r.reconcileLocked()
	r.mu.Unlock()
}

// kick re-evaluates the last seen thread. Used by the post-open timer
// and after a successful batch, in case new unread arrived while a
// write was in flight.
func (r *reconciler) kick() {
	r.mu.Lock()
	r.reconcileLocked()
	r.mu.Unlock()
}

func (r *reconciler) reconcileLocked() {
	if r.closed || r.marking {
		return
	}

	// Drop echo guards once the write's effect is visible.
	for _, m := range r.latest {
		if m.Read {
			delete(r.marked, m.ID)
		}
	}

	var batch []store.MessageID
	for _, m := range r.latest {
		if m.ReceiverID != r.viewer || m.Read {
			continue
		}
		if _, held := r.marked[m.ID]; held {
			continue
		}
		batch = append(batch, m.ID)
	}
	if len(batch) == 0 {
		return
	}

	r.marking = true
	for _, id := range batch {
		r.marked[id] = struct{}{}
	}
	go r.mark(batch)
}

func (r *reconciler) mark(ids []store.MessageID) {
	// Deliberately not the session context: a batch already in
	// flight when the session closes is allowed to complete, and its
	// result is simply discarded below.
	ctx, cancel := context.WithTimeout(context.Background(), markWriteTimeout)
	err := r.st.MarkRead(ctx, ids)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.marking = false
	if r.closed {
		return
	}

	if err != nil {
		// No retry from here: the ids drop out of marked and the
		// next natural merge emission re-attempts.
		reconcileBatches.WithLabelValues("error").Inc()
		glog.Errorf("reconciler %s: mark read failed, %d ids, err: %v", r.viewer, len(ids), err)
		for _, id := range ids {
			delete(r.marked, id)
		}
		return
	}

	reconcileBatches.WithLabelValues("ok").Inc()
	glog.V(5).Infof("reconciler %s: marked %d messages read", r.viewer, len(ids))

	// New unread may have landed during the write; those ids are
	// outside marked, so this is a no-op for pure echoes.
	r.reconcileLocked()
}

// close stops future batches. An in-flight write finishes on its own
// and is discarded.
func (r *reconciler) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.recheck.Stop()
}
