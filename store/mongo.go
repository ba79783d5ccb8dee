package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// Change stream reopen backoff, bounded so a flapping deployment
	// does not hammer the server.
	backoffMinInterval = 1 * time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5
)

// mongoMessage is the collection document shape.
type mongoMessage struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	SenderID      string             `bson:"senderId"`
	ReceiverID    string             `bson:"receiverId"`
	Text          string             `bson:"text"`
	AttachmentURL string             `bson:"attachmentUrl,omitempty"`
	Timestamp     time.Time          `bson:"timestamp"`
	Read          bool               `bson:"read"`
}

func (d mongoMessage) toMessage() Message {
	return Message{
		ID:            MessageID(d.ID.Hex()),
		SenderID:      UserID(d.SenderID),
		ReceiverID:    UserID(d.ReceiverID),
		Text:          d.Text,
		AttachmentURL: d.AttachmentURL,
		Timestamp:     d.Timestamp.UTC(),
		Read:          d.Read,
	}
}

// MongoStore is the production message store. Feeds ride on change
// streams: every matching change triggers a full re-query of the
// filtered set, which keeps delivery semantics identical to the other
// stores (full matching set, then again on every change).
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes provisions the two compound indexes Subscribe checks
// for. Deployments normally run this once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "read", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, sender, receiver UserID, body Body) (Message, error) {
	doc := mongoMessage{
		SenderID:      string(sender),
		ReceiverID:    string(receiver),
		Text:          body.Text(),
		AttachmentURL: body.AttachmentURL(),
		Timestamp:     time.Now().UTC(),
		Read:          false,
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return Message{}, fmt.Errorf("mongo: append: %w", err)
	}
	doc.ID = res.InsertedID.(primitive.ObjectID)
	return doc.toMessage(), nil
}

func (s *MongoStore) MarkRead(ctx context.Context, ids []MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(string(id))
		if err != nil {
			// Unknown ids are skipped, same as the other stores.
			glog.Errorf("mongo: mark read: bad id %q: %v", id, err)
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return nil
	}
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "read": false},
		bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("mongo: mark read: %w", err)
	}
	return nil
}

func (s *MongoStore) Subscribe(ctx context.Context, f Filter, ord Order) (Subscription, error) {
	if err := s.checkIndex(ctx, f); err != nil {
		return nil, err
	}
	// Derived context so Close can unblock a stream waiting in Next.
	ctx, cancel := context.WithCancel(ctx)
	sub := &mongoSub{
		store:   s,
		filter:  f,
		order:   ord,
		cancel:  cancel,
		updates: make(chan []Message, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go sub.run(ctx)
	glog.V(5).Infof("mongo: subscribed, filter: %+v", f)
	return sub, nil
}

// checkIndex verifies an index prefixed by the filter's equality keys
// exists, mirroring the failed-precondition a managed document store
// raises for unindexed compound queries.
func (s *MongoStore) checkIndex(ctx context.Context, f Filter) error {
	var want []string
	switch {
	case f.SenderID != "" && f.ReceiverID != "" && !f.OnlyUnread:
		want = []string{"senderId", "receiverId"}
	case f.SenderID == "" && f.ReceiverID != "" && f.OnlyUnread:
		want = []string{"receiverId", "read"}
	default:
		return fmt.Errorf("mongo: filter %+v: %w", f, ErrIndexUnavailable)
	}

	cur, err := s.coll.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("mongo: list indexes: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var spec struct {
			Key bson.D `bson:"key"`
		}
		if err := cur.Decode(&spec); err != nil {
			return fmt.Errorf("mongo: decode index spec: %w", err)
		}
		if indexHasPrefix(spec.Key, want) {
			return nil
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("mongo: list indexes: %w", err)
	}
	return fmt.Errorf("mongo: no index with prefix %v: %w", want, ErrIndexUnavailable)
}

func indexHasPrefix(key bson.D, want []string) bool {
	if len(key) < len(want) {
		return false
	}
	for i, name := range want {
		if key[i].Key != name {
			return false
		}
	}
	return true
}

func (s *MongoStore) query(ctx context.Context, f Filter, ord Order) ([]Message, error) {
	dir := 1
	if ord == OrderDesc {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: dir}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filterQuery(f), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Message
	for cur.Next(ctx) {
		var d mongoMessage
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toMessage())
	}
	return out, cur.Err()
}

func filterQuery(f Filter) bson.M {
	q := bson.M{"receiverId": string(f.ReceiverID)}
	if f.SenderID != "" {
		q["senderId"] = string(f.SenderID)
	}
	if f.OnlyUnread {
		q["read"] = false
	}
	return q
}

// changeMatch builds the change stream pipeline for a filter. The
// unread feed matches on receiver only: a message leaving the unread
// set flips read to true, and the requery drops it.
func changeMatch(f Filter) mongo.Pipeline {
	match := bson.D{
		{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace"}}},
		{Key: "fullDocument.receiverId", Value: string(f.ReceiverID)},
	}
	if f.SenderID != "" {
		match = append(match, bson.E{Key: "fullDocument.senderId", Value: string(f.SenderID)})
	}
	return mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
}

// mongoSub drives one change-stream feed.
type mongoSub struct {
	store  *MongoStore
	filter Filter
	order  Order
	cancel context.CancelFunc

	updates chan []Message
	errs    chan error
	done    chan struct{}

	closeOnce sync.Once
}

func (m *mongoSub) Updates() <-chan []Message { return m.updates }
func (m *mongoSub) Errs() <-chan error        { return m.errs }

func (m *mongoSub) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.cancel()
	})
}

func (m *mongoSub) deliver(msgs []Message) bool {
	select {
	case m.updates <- msgs:
		return true
	case <-m.done:
		return false
	}
}

func (m *mongoSub) fail(err error) {
	select {
	case m.errs <- err:
	case <-m.done:
	default:
	}
}

func (m *mongoSub) closed(ctx context.Context) bool {
	select {
	case <-m.done:
		return true
	case <-ctx.Done():
		m.Close()
		return true
	default:
		return false
	}
}

func (m *mongoSub) run(ctx context.Context) {
	backoff := backoffMinInterval

	for !m.closed(ctx) {
		stream, err := m.store.coll.Watch(ctx, changeMatch(m.filter),
			options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			glog.Errorf("mongo: watch error, filter: %+v, err: %v", m.filter, err)
			m.fail(err)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffMinInterval

		// The snapshot is queried after the stream opens so no
		// change can fall between the two.
		if !m.refresh(ctx) {
			stream.Close(ctx)
			return
		}

		for stream.Next(ctx) {
			if m.closed(ctx) {
				stream.Close(ctx)
				return
			}
			if !m.refresh(ctx) {
				stream.Close(ctx)
				return
			}
		}
		err = stream.Err()
		stream.Close(ctx)
		if m.closed(ctx) {
			return
		}
		if err != nil {
			glog.Errorf("mongo: stream error, filter: %+v, err: %v", m.filter, err)
			m.fail(err)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func (m *mongoSub) refresh(ctx context.Context) bool {
	msgs, err := m.store.query(ctx, m.filter, m.order)
	if err != nil {
		glog.Errorf("mongo: feed query error, filter: %+v, err: %v", m.filter, err)
		m.fail(err)
		return !m.closed(ctx)
	}
	return m.deliver(msgs)
}

func (m *mongoSub) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		m.Close()
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * backoffMultiplier)
	if d > backoffMaxInterval {
		d = backoffMaxInterval
	}
	return d
}
