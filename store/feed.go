package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// feedSub is the Subscription implementation shared by the bolt and
// mysql stores. Each subscription runs its own pump goroutine that
// re-queries the store once per nudge (writes observed in-process) and
// optionally once per poll tick (writes from other processes), then
// delivers the full matching set whenever it actually changed.
type feedSub struct {
	filter Filter
	order  Order

	updates chan []Message
	errs    chan error
	nudge   chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	onClose   func()
}

func newFeedSub(f Filter, ord Order, onClose func()) *feedSub {
	return &feedSub{
		filter:  f,
		order:   ord,
		updates: make(chan []Message, 1),
		errs:    make(chan error, 1),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *feedSub) Updates() <-chan []Message { return s.updates }
func (s *feedSub) Errs() <-chan error        { return s.errs }

func (s *feedSub) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// wake coalesces change notifications. It never blocks the writer.
func (s *feedSub) wake() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *feedSub) deliver(msgs []Message) {
	select {
	case s.updates <- msgs:
	case <-s.done:
	}
}

func (s *feedSub) fail(err error) {
	select {
	case s.errs <- err:
	case <-s.done:
	default:
		// Errs has a reader-sized buffer; a slow consumer does not
		// stall the pump, it just misses repeats of the same fault.
	}
}

// pump is the subscription loop. query returns the unordered matching
// set; pump sorts it and skips deliveries whose content is unchanged,
// except for the very first one which always goes out so subscribers
// never wait for data to exist. A zero interval disables polling.
func (s *feedSub) pump(ctx context.Context, query func() ([]Message, error), interval time.Duration) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if interval > 0 {
		ticker = time.NewTicker(interval)
		tick = ticker.C
		defer ticker.Stop()
	}

	var lastDigest uint64
	first := true

	refresh := func() {
		msgs, err := query()
		if err != nil {
			glog.Errorf("feed query error, filter: %+v, err: %v", s.filter, err)
			s.fail(err)
			return
		}
		SortMessages(msgs, s.order)
		d := digestMessages(msgs)
		if !first && d == lastDigest {
			return
		}
		first = false
		lastDigest = d
		s.deliver(msgs)
	}

	refresh()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case <-s.nudge:
			refresh()
		case <-tick:
			refresh()
		}
	}
}

// digestMessages fingerprints a snapshot by id and read flag, which is
// all that can change within a matching set.
func digestMessages(msgs []Message) uint64 {
	h := fnv.New64a()
	for _, m := range msgs {
		h.Write([]byte(m.ID))
		if m.Read {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{'|'})
	}
	return h.Sum64()
}
