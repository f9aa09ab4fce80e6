package record

import (
	"strings"
	"time"
)

// Message is one turn of a conversation. Role is an open string;
// anything the source reports is kept as-is.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the canonical persisted record of one imported chat
// thread. ID is unique across the store; re-ingesting the same ID is
// an update, not a duplicate.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Model      string    `json:"model"`
	Timestamp  time.Time `json:"timestamp"`
	CapturedAt time.Time `json:"capturedAt"`
	Tags       []string  `json:"tags"`
	Messages   []Message `json:"messages"`

	// Derived fields, recomputed by ComputeDerived.
	Content      string `json:"content"`
	MessageCount int    `json:"messageCount"`
	WordCount    int    `json:"wordCount"`
}

// ComputeDerived refreshes Content, MessageCount and WordCount from
// Messages. Content is the flattened text of all messages joined with
// newlines, order preserved.
func (c *Conversation) ComputeDerived() {
	parts := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		parts = append(parts, m.Content)
	}
	c.Content = strings.Join(parts, "\n")
	c.MessageCount = len(c.Messages)
	c.WordCount = len(strings.Fields(c.Content))
}
