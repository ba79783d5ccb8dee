// Package notify publishes message lifecycle events for the push
// notification pipeline, which consumes them outside this process.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/coachport/chatsync/store"
)

const kafkaWriteTimeout = 10 * time.Second

// Publisher emits message lifecycle events. Implementations must be
// safe for concurrent use.
type Publisher interface {
	MessageCreated(ctx context.Context, m store.Message) error
	Close() error
}

// Nop discards all events. Used in dev mode and tests.
type Nop struct{}

func (Nop) MessageCreated(context.Context, store.Message) error { return nil }
func (Nop) Close() error                                        { return nil }

// messageCreatedEvent is the wire payload. Text rides along as the
// notification preview.
type messageCreatedEvent struct {
	ID            string `json:"id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Preview       string `json:"preview,omitempty"`
	HasAttachment bool   `json:"has_attachment,omitempty"`
	CreateTime    int64  `json:"create_time"` // unix millis
}

// Kafka publishes events to a kafka topic, keyed by receiver so one
// user's notifications stay in order on a single partition.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		}),
	}
}

func (k *Kafka) MessageCreated(ctx context.Context, m store.Message) error {
	value, err := json.Marshal(messageCreatedEvent{
		ID:            string(m.ID),
		SenderID:      string(m.SenderID),
		ReceiverID:    string(m.ReceiverID),
		Preview:       m.Text,
		HasAttachment: m.AttachmentURL != "",
		CreateTime:    m.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.ReceiverID),
		Value: value,
	})
	if err != nil {
		glog.Errorf("notify: write message created event, id: %s, err: %v", m.ID, err)
	}
	return err
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
