package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// BoltStore is an embedded, single-process message store on bbolt.
// It backs the standalone/dev deployment and integration tests; all
// subscribers live in the same process, so feeds are purely push
// driven with no polling.
type BoltStore struct {
	db *bolt.DB

	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &BoltStore{
		db:   db,
		subs: make(map[*feedSub]struct{}),
	}, nil
}

// Close closes the underlying database. Open subscriptions are torn
// down first so their pumps cannot touch a closed db.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	subs := make([]*feedSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return s.db.Close()
}

func (s *BoltStore) Append(ctx context.Context, sender, receiver UserID, body Body) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	var msg Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		msg = Message{
			// Fixed width keeps lexicographic id order equal to
			// append order, which the engine relies on for ties.
			ID:            MessageID(fmt.Sprintf("%016x", seq)),
			SenderID:      sender,
			ReceiverID:    receiver,
			Text:          body.Text(),
			AttachmentURL: body.AttachmentURL(),
			Timestamp:     time.Now().UTC(),
			Read:          false,
		}
		val, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(msg.ID), val)
	})
	if err != nil {
		return Message{}, fmt.Errorf("bolt: append: %w", err)
	}
	s.notifyAll()
	return msg, nil
}

func (s *BoltStore) MarkRead(ctx context.Context, ids []MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var changed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, id := range ids {
			raw := b.Get([]byte(id))
			if raw == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if m.Read {
				continue
			}
			m.Read = true
			val, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), val); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt: mark read: %w", err)
	}
	if changed > 0 {
		s.notifyAll()
	}
	return nil
}

func (s *BoltStore) Subscribe(ctx context.Context, f Filter, ord Order) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sub *feedSub
	sub = newFeedSub(f, ord, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx, func() ([]Message, error) {
		return s.query(f)
	}, 0)

	glog.V(5).Infof("bolt: subscribed, filter: %+v", f)
	return sub, nil
}

func (s *BoltStore) query(f Filter) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if f.Matches(m) {
				out = append(out, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) notifyAll() {
	s.mu.Lock()
	for sub := range s.subs {
		sub.wake()
	}
	s.mu.Unlock()
}
