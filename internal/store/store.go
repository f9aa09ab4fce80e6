package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/solenlabs/convault/internal/record"
)

// Store is the durable conversation store: one sqlite file holding the
// conversations table, the derived search index and the settings
// key/value area. All writes go through a single mutex so exactly one
// writer context touches the index tables at a time.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL DEFAULT 0,
			captured_at INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			messages TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_timestamp ON conversations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_captured ON conversations(captured_at)`,
		`CREATE TABLE IF NOT EXISTS memory_index (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content_type TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_index_conv ON memory_index(conversation_id, content_type)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces one conversation and regenerates its index
// entries in the same transaction. Re-ingesting an existing id is an
// update: mutable fields are overwritten, captured_at is preserved.
func (s *Store) Upsert(c record.Conversation) (bool, error) {
	if strings.TrimSpace(c.ID) == "" {
		return false, fmt.Errorf("upsert: empty conversation id")
	}
	c.ComputeDerived()
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("upsert begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRow(tx, c); err != nil {
		return false, err
	}
	if err := reindexConversation(tx, c); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert commit: %w", err)
	}
	return true, nil
}

// UpsertBulk writes a batch of conversations in one pass, skipping any
// whose id is already present. Duplicates are detected against a single
// pre-loaded id set rather than per-row queries. Row inserts commit
// first; index writes for the whole batch run in a second transaction.
// If that transaction fails the rows stay committed and RebuildIndex is
// the repair path.
func (s *Store) UpsertBulk(convs []record.Conversation) (int, error) {
	existing, err := s.KnownIDs()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	fresh := make([]record.Conversation, 0, len(convs))
	for _, c := range convs {
		if strings.TrimSpace(c.ID) == "" {
			continue
		}
		if _, dup := existing[c.ID]; dup {
			continue
		}
		existing[c.ID] = struct{}{}
		c.ComputeDerived()
		if c.CapturedAt.IsZero() {
			c.CapturedAt = now
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk begin: %w", err)
	}
	for _, c := range fresh {
		if err := upsertRow(tx, c); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk commit rows: %w", err)
	}

	itx, err := s.db.Begin()
	if err != nil {
		return len(fresh), fmt.Errorf("bulk begin index: %w", err)
	}
	for _, c := range fresh {
		if err := reindexConversation(itx, c); err != nil {
			_ = itx.Rollback()
			return len(fresh), fmt.Errorf("bulk index: %w", err)
		}
	}
	if err := itx.Commit(); err != nil {
		return len(fresh), fmt.Errorf("bulk commit index: %w", err)
	}

	return len(fresh), nil
}

func upsertRow(tx *sql.Tx, c record.Conversation) error {
	tags, err := json.Marshal(tagsOrEmpty(c.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	msgs, err := json.Marshal(messagesOrEmpty(c.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, url, model, timestamp, captured_at, tags, messages, content, message_count, word_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			model = excluded.model,
			timestamp = excluded.timestamp,
			tags = excluded.tags,
			messages = excluded.messages,
			content = excluded.content,
			message_count = excluded.message_count,
			word_count = excluded.word_count
	`, c.ID, c.Title, c.URL, c.Model, timeMillis(c.Timestamp), timeMillis(c.CapturedAt),
		string(tags), string(msgs), c.Content, c.MessageCount, c.WordCount)
	if err != nil {
		return fmt.Errorf("write conversation %s: %w", c.ID, err)
	}
	return nil
}

// KnownIDs loads the full id set in one query; bulk and concurrent
// ingestion use it to make dedup O(n).
func (s *Store) KnownIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query known ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan known id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known ids: %w", err)
	}
	return ids, nil
}

func (s *Store) GetByID(id string) (*record.Conversation, error) {
	rows, err := s.db.Query(selectConversation+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", id, err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

// GetRecent returns the newest conversations by source timestamp.
func (s *Store) GetRecent(limit int) ([]record.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(selectConversation+` ORDER BY timestamp DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// GetChronological returns conversations oldest-first by their source
// timestamp, regardless of ingestion order. limit <= 0 means unbounded.
// Downstream consumers process story continuity in temporal order.
func (s *Store) GetChronological(limit int) ([]record.Conversation, error) {
	q := selectConversation + ` ORDER BY timestamp ASC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chronological: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// CountCapturedSince counts conversations ingested within a trailing
// window. The staleness watchdog reads this independently of the
// monitor.
func (s *Store) CountCapturedSince(since time.Time) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE captured_at >= ?`, timeMillis(since))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count captured since: %w", err)
	}
	return n, nil
}

// Delete removes a conversation; its index entries cascade.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return n > 0, nil
}

// RebuildIndex regenerates every conversation's index entries. It is
// idempotent and is the repair path after a bulk-import crash left rows
// committed without their index.
func (s *Store) RebuildIndex() (int, error) {
	convs, err := s.GetChronological(0)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("rebuild index begin: %w", err)
	}
	defer tx.Rollback()

	for _, c := range convs {
		if err := reindexConversation(tx, c); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rebuild index commit: %w", err)
	}
	return len(convs), nil
}

const selectConversation = `
	SELECT id, title, url, model, timestamp, captured_at, tags, messages, content, message_count, word_count
	FROM conversations`

func scanConversations(rows *sql.Rows) ([]record.Conversation, error) {
	result := make([]record.Conversation, 0)
	for rows.Next() {
		var c record.Conversation
		var ts, captured int64
		var tags, msgs string
		if err := rows.Scan(
			&c.ID,
			&c.Title,
			&c.URL,
			&c.Model,
			&ts,
			&captured,
			&tags,
			&msgs,
			&c.Content,
			&c.MessageCount,
			&c.WordCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Timestamp = millisTime(ts)
		c.CapturedAt = millisTime(captured)
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, fmt.Errorf("parse tags for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
			return nil, fmt.Errorf("parse messages for %s: %w", c.ID, err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return result, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func messagesOrEmpty(msgs []record.Message) []record.Message {
	if msgs == nil {
		return []record.Message{}
	}
	return msgs
}

func timeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
