// Package journal records inbound realtime messages in a SQLite database so
// a listening session can be inspected afterwards.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
	"github.com/markb/sbrealtime/internal/realtime"
)

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at TEXT NOT NULL,
    event TEXT NOT NULL,
    topic TEXT NOT NULL,
    ref TEXT,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic);
`

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded message.
type Entry struct {
	ID         int64
	ReceivedAt time.Time
	Event      protocol.Event
	Topic      string
	Ref        string
	Payload    json.RawMessage
}

// Journal writes messages to a SQLite database.
type Journal struct {
	mu    sync.Mutex
	db    *sql.DB
	stmt  *sql.Stmt
	clock clock.Clock

	cleanupTicker *clock.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the clock used for timestamps and retention.
func WithClock(clk clock.Clock) Option {
	return func(j *Journal) { j.clock = clk }
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	// a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createMessagesTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO messages (received_at, event, topic, ref, payload)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	j := &Journal{
		db:    db,
		stmt:  stmt,
		clock: clock.New(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Record stores msg.
func (j *Journal) Record(msg protocol.Message) error {
	var p protocol.Payload = protocol.EmptyPayload{}
	if msg.Payload != nil {
		p = msg.Payload
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var ref sql.NullString
	if msg.Ref != "" {
		ref = sql.NullString{String: msg.Ref, Valid: true}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.stmt.Exec(
		j.clock.Now().UTC().Format(timeFormat),
		string(msg.Event),
		msg.Topic,
		ref,
		string(payload),
	)
	return err
}

// Middleware returns client middleware that records every routed message
// and passes it on unchanged.
func (j *Journal) Middleware() realtime.Middleware {
	return func(msg protocol.Message) protocol.Message {
		if err := j.Record(msg); err != nil {
			log.Warn("journal: record failed", "event", msg.Event, "topic", msg.Topic, "error", err.Error())
		}
		return msg
	}
}

// Recent returns up to n of the newest entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT id, received_at, event, topic, ref, payload
		FROM messages ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			receivedAt string
			event      string
			ref        sql.NullString
			payload    string
		)
		if err := rows.Scan(&e.ID, &receivedAt, &event, &e.Topic, &ref, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.ReceivedAt, err = time.Parse(timeFormat, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		e.Event = protocol.Event(event)
		e.Ref = ref.String
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than olderThan and returns how many were
// removed.
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.clock.Now().UTC().Add(-olderThan)
	res, err := j.db.Exec("DELETE FROM messages WHERE received_at < ?", cutoff.Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

// StartCleanup prunes entries older than retention every interval until
// Close.
func (j *Journal) StartCleanup(retention, interval time.Duration) {
	j.cleanupTicker = j.clock.Ticker(interval)
	ticker := j.cleanupTicker
	go func() {
		for {
			select {
			case <-ticker.C:
				if n, err := j.Prune(retention); err != nil {
					log.Warn("journal: cleanup failed", "error", err.Error())
				} else if n > 0 {
					log.Debug("journal: pruned messages", "count", n)
				}
			case <-j.done:
				return
			}
		}
	}()
}

// Close stops cleanup and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		if j.cleanupTicker != nil {
			j.cleanupTicker.Stop()
		}

		j.mu.Lock()
		defer j.mu.Unlock()
		j.stmt.Close()
		err = j.db.Close()
	})
	return err
}
