package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	insertMessageSQL = "INSERT INTO messages (sender_id, receiver_id, body_text, attachment_url) VALUES (?,?,?,?)"
	getMessageSQL    = "SELECT id, sender_id, receiver_id, body_text, attachment_url, create_time, read_state FROM messages WHERE id = ?"
	pairFeedSQL      = "SELECT id, sender_id, receiver_id, body_text, attachment_url, create_time, read_state FROM messages WHERE sender_id = ? AND receiver_id = ?"
	unreadFeedSQL    = "SELECT id, sender_id, receiver_id, body_text, attachment_url, create_time, read_state FROM messages WHERE receiver_id = ? AND read_state = 0"
	setReadSQL       = "UPDATE messages SET read_state = 1 WHERE id IN (%s) AND read_state = 0"
)

// Schema creates the messages table with the two compound indexes the
// feed filters require.
const Schema = `CREATE TABLE IF NOT EXISTS messages (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	sender_id VARCHAR(64) NOT NULL,
	receiver_id VARCHAR(64) NOT NULL,
	body_text TEXT NOT NULL,
	attachment_url VARCHAR(1024) NOT NULL DEFAULT '',
	create_time TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	read_state TINYINT NOT NULL DEFAULT 0,
	KEY idx_pair (sender_id, receiver_id, create_time),
	KEY idx_unread (receiver_id, read_state, create_time)
)`

// defaultPollInterval is the safety net for writers in other
// processes; in-process writes wake subscriptions immediately.
const defaultPollInterval = 500 * time.Millisecond

// MySQLStore is a message store on MySQL. Live feeds combine an
// in-process notifier with a poll ticker, since the database itself
// has no change notification.
type MySQLStore struct {
	db           *sql.DB
	pollInterval time.Duration

	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		db:           db,
		pollInterval: defaultPollInterval,
		subs:         make(map[*feedSub]struct{}),
	}
}

// EnsureSchema creates the messages table if missing.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("mysql: ensure schema: %w", err)
	}
	return nil
}

func (s *MySQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("mysql: failed to rollback: %v", err2)
		}
		return err
	}
	return tx.Commit()
}

func (s *MySQLStore) Append(ctx context.Context, sender, receiver UserID, body Body) (Message, error) {
	var msg Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertMessageSQL, string(sender), string(receiver), body.Text(), body.AttachmentURL())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		// Read back the row for the database-assigned create_time.
		row := tx.QueryRowContext(ctx, getMessageSQL, id)
		msg, err = scanMessage(row)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("mysql: append: %w", err)
	}
	s.notifyAll()
	return msg, nil
}

func (s *MySQLStore) MarkRead(ctx context.Context, ids []MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids))
	marks := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, string(id))
		marks = append(marks, "?")
	}
	var changed int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := fmt.Sprintf(setReadSQL, strings.Join(marks, ","))
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mysql: mark read: %w", err)
	}
	if changed > 0 {
		s.notifyAll()
	}
	return nil
}

func (s *MySQLStore) Subscribe(ctx context.Context, f Filter, ord Order) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pair := f.SenderID != "" && f.ReceiverID != "" && !f.OnlyUnread
	unread := f.SenderID == "" && f.ReceiverID != "" && f.OnlyUnread
	if !pair && !unread {
		return nil, fmt.Errorf("mysql: filter %+v: %w", f, ErrIndexUnavailable)
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
	}, s.pollInterval)

	glog.V(5).Infof("mysql: subscribed, filter: %+v", f)
	return sub, nil
}

func (s *MySQLStore) query(f Filter) ([]Message, error) {
	var rows *sql.Rows
	var err error
	switch {
	case f.SenderID != "" && f.ReceiverID != "":
		rows, err = s.db.Query(pairFeedSQL, string(f.SenderID), string(f.ReceiverID))
	case f.ReceiverID != "" && f.OnlyUnread:
		rows, err = s.db.Query(unreadFeedSQL, string(f.ReceiverID))
	default:
		return nil, fmt.Errorf("mysql: unsupported filter %+v: %w", f, ErrIndexUnavailable)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MySQLStore) notifyAll() {
	s.mu.Lock()
	for sub := range s.subs {
		sub.wake()
	}
	s.mu.Unlock()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		id        int64
		sender    string
		receiver  string
		text      string
		url       string
		createdAt time.Time
		readState byte
	)
	if err := r.Scan(&id, &sender, &receiver, &text, &url, &createdAt, &readState); err != nil {
		return Message{}, err
	}
	return Message{
		// Zero padded so lexicographic order of ids follows the
		// auto-increment order.
		ID:            MessageID(fmt.Sprintf("%020d", id)),
		SenderID:      UserID(sender),
		ReceiverID:    UserID(receiver),
		Text:          text,
		AttachmentURL: url,
		Timestamp:     createdAt.UTC(),
		Read:          readState > 0,
	}, nil
}
