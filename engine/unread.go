package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/coachport/chatsync/store"
)

// UnreadFunc receives the user's full unread set, most recent first,
// on every change. len(msgs) is the badge count.
type UnreadFunc func(msgs []store.Message)

// UnreadWatch is a live aggregate of one user's inbound unread
// messages across all counterparties. It is independent of any open
// conversation session.
type UnreadWatch struct {
	user store.UserID

	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// WatchUnread subscribes to the (receiver, unread) slice of the store
// and invokes onChange with the full set on every notification,
// beginning with the current set. Feed errors go to onDiag and the
// watch resumes when the store recovers.
func WatchUnread(ctx context.Context, st store.Store, user store.UserID, onChange UnreadFunc, onDiag DiagFunc) (*UnreadWatch, error) {
	ctx, cancel := context.WithCancel(ctx)

	sub, err := st.Subscribe(ctx, store.Filter{ReceiverID: user, OnlyUnread: true}, store.OrderDesc)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: watch unread for %s: %w", user, err)
	}

	w := &UnreadWatch{
		user:   user,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	unreadWatches.Inc()
	go w.run(ctx, onChange, onDiag)
	return w, nil
}

// Close tears down the subscription and waits for the loop to exit;
// no onChange or onDiag call fires after it returns.
func (w *UnreadWatch) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.sub.Close()
		<-w.done
		unreadWatches.Dec()
	})
}

func (w *UnreadWatch) run(ctx context.Context, onChange UnreadFunc, onDiag DiagFunc) {
	defer close(w.done)

	updates := w.sub.Updates()
	errs := w.sub.Errs()

	for {
		select {
		case <-ctx.Done():
			return

		case msgs, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			// The store orders by timestamp desc already; the
			// re-sort pins the id tie-break across stores.
			store.SortMessages(msgs, store.OrderDesc)
			onChange(msgs)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			glog.Errorf("unread watch %s: feed error: %v", w.user, err)
			if onDiag != nil {
				onDiag(err)
			}
		}
	}
}
