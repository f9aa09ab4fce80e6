package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// rawShape is the closed set of payload shapes Normalize accepts.
type rawShape int

const (
	shapeMessageList rawShape = iota
	shapeMessageContainer
	shapeMappingExport
	shapeOpaque
)

func classify(raw any) rawShape {
	switch v := raw.(type) {
	case []any:
		return shapeMessageList
	case map[string]any:
		if _, ok := v["mapping"].(map[string]any); ok {
			return shapeMappingExport
		}
		if _, ok := v["messages"].([]any); ok {
			return shapeMessageContainer
		}
	}
	return shapeOpaque
}

// Normalize converts a raw conversation payload of any supported shape
// into a canonical Conversation. It is pure: no I/O, no side effects,
// and it never fails: unrecognized payloads are wrapped as a single
// system message. sourceHint (typically the source filename or URL) is
// used to derive a stable ID when the payload carries none, so
// re-importing the same source never creates a duplicate.
func Normalize(raw any, sourceHint string) Conversation {
	var c Conversation

	switch classify(raw) {
	case shapeMessageList:
		c.Messages = messageList(raw.([]any))
	case shapeMessageContainer:
		m := raw.(map[string]any)
		c = metadata(m)
		c.Messages = messageList(m["messages"].([]any))
	case shapeMappingExport:
		m := raw.(map[string]any)
		c = metadata(m)
		c.Messages = mappingMessages(m["mapping"].(map[string]any))
	case shapeOpaque:
		c.Messages = []Message{{Role: "system", Content: fmt.Sprintf("%v", raw)}}
	}

	c.ComputeDerived()
	if c.ID == "" {
		c.ID = deriveID(sourceHint, c.Content)
	}
	return c
}

// messageList handles shape (a): a list of message-like items. Bare
// strings become system messages; anything else is stringified.
func messageList(items []any) []Message {
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			msgs = append(msgs, Message{Role: "system", Content: v})
		case map[string]any:
			msgs = append(msgs, Message{
				Role:    stringField(v, "role", "system"),
				Content: stringField(v, "content", ""),
			})
		default:
			msgs = append(msgs, Message{Role: "system", Content: fmt.Sprintf("%v", v)})
		}
	}
	return msgs
}

// mappingNode is one entry of a tree-structured export's node mapping.
type mappingNode struct {
	key        string
	role       string
	content    string
	createTime float64
	hasTime    bool
}

// mappingMessages handles shape (c): a tree-structured export keyed by
// a mapping of nodes. Nodes are ordered by message create_time when
// present, falling back to sorted node keys, so the same export always
// normalizes identically.
func mappingMessages(mapping map[string]any) []Message {
	nodes := make([]mappingNode, 0, len(mapping))
	for key, rawNode := range mapping {
		node, ok := rawNode.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := node["message"].(map[string]any)
		if !ok {
			continue
		}

		n := mappingNode{key: key, role: "system"}
		if author, ok := msg["author"].(map[string]any); ok {
			n.role = stringField(author, "role", "system")
		}
		if content, ok := msg["content"].(map[string]any); ok {
			if parts, ok := content["parts"].([]any); ok {
				lines := make([]string, 0, len(parts))
				for _, p := range parts {
					if s, ok := p.(string); ok {
						lines = append(lines, s)
					}
				}
				n.content = strings.Join(lines, "\n")
			}
		}
		if t, ok := msg["create_time"].(float64); ok {
			n.createTime = t
			n.hasTime = true
		}
		if strings.TrimSpace(n.content) == "" {
			continue
		}
		nodes = append(nodes, n)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].hasTime && nodes[j].hasTime && nodes[i].createTime != nodes[j].createTime {
			return nodes[i].createTime < nodes[j].createTime
		}
		if nodes[i].hasTime != nodes[j].hasTime {
			return nodes[i].hasTime
		}
		return nodes[i].key < nodes[j].key
	})

	msgs := make([]Message, 0, len(nodes))
	for _, n := range nodes {
		msgs = append(msgs, Message{Role: n.role, Content: n.content})
	}
	return msgs
}

// metadata pulls the common envelope fields shared by the container
// and mapping-export shapes.
func metadata(m map[string]any) Conversation {
	c := Conversation{
		Title: stringField(m, "title", ""),
		URL:   stringField(m, "url", ""),
		Model: stringField(m, "model", ""),
	}

	c.ID = stringField(m, "id", "")
	if c.ID == "" {
		c.ID = stringField(m, "conversation_id", "")
	}

	if tags, ok := m["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok && s != "" {
				c.Tags = append(c.Tags, s)
			}
		}
	}

	c.Timestamp = timestampField(m)
	return c
}

func timestampField(m map[string]any) time.Time {
	if t, ok := m["create_time"].(float64); ok && t > 0 {
		sec := int64(t)
		nsec := int64((t - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	for _, key := range []string{"timestamp", "created_at", "update_time"} {
		if s, ok := m[key].(string); ok && s != "" {
			if parsed, err := time.Parse(time.RFC3339, s); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// deriveID produces a stable conversation ID from the source hint, or
// from the flattened content when no hint is available.
func deriveID(sourceHint, content string) string {
	seed := strings.TrimSpace(sourceHint)
	if seed == "" {
		seed = content
	}
	sum := sha256.Sum256([]byte(seed))
	return "conv-" + hex.EncodeToString(sum[:])[:16]
}
