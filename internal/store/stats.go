package store

import (
	"fmt"
	"time"
)

// Stats is an aggregate snapshot over the store, recomputed on demand
// and never stored redundantly.
type Stats struct {
	Conversations int
	Messages      int
	Words         int
	ByModel       map[string]int
	Earliest      time.Time
	Latest        time.Time
}

func (s *Store) Stats() (Stats, error) {
	stats := Stats{ByModel: make(map[string]int)}

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(message_count), 0),
		       COALESCE(SUM(word_count), 0),
		       COALESCE(MIN(NULLIF(timestamp, 0)), 0),
		       COALESCE(MAX(timestamp), 0)
		FROM conversations
	`)
	var earliest, latest int64
	if err := row.Scan(&stats.Conversations, &stats.Messages, &stats.Words, &earliest, &latest); err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	stats.Earliest = millisTime(earliest)
	stats.Latest = millisTime(latest)

	rows, err := s.db.Query(`
		SELECT model, COUNT(*) FROM conversations
		WHERE model != ''
		GROUP BY model
	`)
	if err != nil {
		return stats, fmt.Errorf("query model stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return stats, fmt.Errorf("scan model stats: %w", err)
		}
		stats.ByModel[model] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate model stats: %w", err)
	}
	return stats, nil
}

// IndexCount reports the number of index entries, optionally for one
// conversation. Used by status reporting and tests.
func (s *Store) IndexCount(conversationID string) (int, error) {
	q := `SELECT COUNT(*) FROM memory_index`
	args := []any{}
	if conversationID != "" {
		q += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	row := s.db.QueryRow(q, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return n, nil
}
