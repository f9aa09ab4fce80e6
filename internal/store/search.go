package store

import (
	"fmt"
	"strings"

	"github.com/solenlabs/convault/internal/record"
)

// Search runs a token query over title, content and tag index entries.
// All positive terms must match (AND); terms prefixed with '-' exclude.
// Matching is case-insensitive. An empty query falls back to the most
// recent conversations.
func (s *Store) Search(query string, limit int) ([]record.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	includes, excludes := parseQuery(query)
	if len(includes) == 0 && len(excludes) == 0 {
		return s.GetRecent(limit)
	}

	const matchClause = `SELECT conversation_id FROM memory_index WHERE lower(body) LIKE '%' || ? || '%' ESCAPE '\'`

	var sb strings.Builder
	args := make([]any, 0, len(includes)+len(excludes)+1)

	if len(includes) == 0 {
		sb.WriteString(`SELECT id FROM conversations`)
	} else {
		for i, term := range includes {
			if i > 0 {
				sb.WriteString(" INTERSECT ")
			}
			sb.WriteString(matchClause)
			args = append(args, escapeLike(term))
		}
	}
	for _, term := range excludes {
		sb.WriteString(" EXCEPT ")
		sb.WriteString(matchClause)
		args = append(args, escapeLike(term))
	}
	args = append(args, limit)

	q := selectConversation + ` WHERE id IN (` + sb.String() + `) ORDER BY timestamp DESC, id ASC LIMIT ?`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// escapeLike neutralizes LIKE wildcards so query terms match literally.
func escapeLike(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, "%", `\%`)
	return strings.ReplaceAll(term, "_", `\_`)
}

// parseQuery splits a query into lowercased positive and negated terms.
func parseQuery(query string) (includes, excludes []string) {
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if strings.HasPrefix(tok, "-") {
			if term := strings.TrimPrefix(tok, "-"); term != "" {
				excludes = append(excludes, term)
			}
			continue
		}
		includes = append(includes, tok)
	}
	return includes, excludes
}
