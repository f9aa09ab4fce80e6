package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/solenlabs/convault/internal/record"
)

// Index entry content types.
const (
	IndexTitle   = "title"
	IndexContent = "content"
	IndexTag     = "tag"
)

// maxChunkChars bounds one content index fragment. Splits happen on
// line boundaries where possible.
const maxChunkChars = 2000

// reindexConversation drops and regenerates the index entries owned by
// one conversation inside the caller's transaction, so a conversation
// row and its index move together.
func reindexConversation(tx *sql.Tx, c record.Conversation) error {
	if _, err := tx.Exec(`DELETE FROM memory_index WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear index for %s: %w", c.ID, err)
	}

	insert := func(contentType, body string) error {
		if strings.TrimSpace(body) == "" {
			return nil
		}
		if _, err := tx.Exec(`
			INSERT INTO memory_index (conversation_id, content_type, body)
			VALUES (?, ?, ?)
		`, c.ID, contentType, body); err != nil {
			return fmt.Errorf("index %s for %s: %w", contentType, c.ID, err)
		}
		return nil
	}

	if err := insert(IndexTitle, c.Title); err != nil {
		return err
	}
	for _, chunk := range chunkContent(c.Content) {
		if err := insert(IndexContent, chunk); err != nil {
			return err
		}
	}
	for _, tag := range c.Tags {
		if err := insert(IndexTag, tag); err != nil {
			return err
		}
	}
	return nil
}

// chunkContent splits flattened conversation text into index-sized
// fragments, preferring line boundaries.
func chunkContent(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= maxChunkChars {
		return []string{content}
	}

	chunks := make([]string, 0, len(content)/maxChunkChars+1)
	for len(content) > 0 {
		if len(content) <= maxChunkChars {
			chunks = append(chunks, content)
			break
		}
		cut := maxChunkChars
		if idx := strings.LastIndex(content[:maxChunkChars], "\n"); idx > 0 {
			cut = idx
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	return chunks
}
