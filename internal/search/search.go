// Package search implements full-text lexical search over message subject
// and body, backed by the messages_fts FTS5 virtual table. Query text
// supplied by callers is hostile by default (free-form agent input) and is
// sanitized into a safe FTS5 MATCH expression before it ever reaches SQLite.
package search

import (
	"context"
	"strings"

	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Service runs FTS5-backed search scoped to a project or a set of projects
// belonging to one product.
type Service struct {
	store *store.Store
}

// New creates a Search service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Hit is one search result row.
type Hit struct {
	Message    model.Message
	SenderName string
	Rank       float64
}

const defaultLimit = 25

// Filter narrows a search beyond the lexical query: sender, thread and
// importance are exact matches, date_start/date_end bound created_ts
// (microseconds since epoch, inclusive).
type Filter struct {
	SenderName string
	ThreadID   string
	Importance string
	DateStart  int64
	DateEnd    int64
}

// Search runs a lexical query scoped to a single project.
func (s *Service) Search(ctx context.Context, projectID int64, query string, limit int, f Filter) ([]Hit, error) {
	return s.search(ctx, []int64{projectID}, query, limit, f)
}

// SearchProjects runs a lexical query scoped to every project belonging to
// a product, used by the cross-project product search tool.
func (s *Service) SearchProjects(ctx context.Context, projectIDs []int64, query string, limit int, f Filter) ([]Hit, error) {
	return s.search(ctx, projectIDs, query, limit, f)
}

func (s *Service) search(ctx context.Context, projectIDs []int64, query string, limit int, f Filter) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(projectIDs) == 0 {
		return nil, errs.Validationf("search requires at least one project")
	}

	matchExpr := Sanitize(query)
	if matchExpr == "" {
		return nil, errs.Validationf("query must contain at least one search term")
	}

	placeholders := make([]string, len(projectIDs))
	args := make([]any, 0, len(projectIDs)+6)
	args = append(args, matchExpr)
	for i, id := range projectIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	extra := ""
	if f.SenderName != "" {
		extra += " AND a.name = ?"
		args = append(args, f.SenderName)
	}
	if f.ThreadID != "" {
		extra += " AND m.thread_id = ?"
		args = append(args, f.ThreadID)
	}
	if f.Importance != "" {
		extra += " AND m.importance = ?"
		args = append(args, f.Importance)
	}
	if f.DateStart > 0 {
		extra += " AND m.created_ts >= ?"
		args = append(args, f.DateStart)
	}
	if f.DateEnd > 0 {
		extra += " AND m.created_ts <= ?"
		args = append(args, f.DateEnd)
	}
	args = append(args, limit)

	q := `SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.subject, m.body_md,
	             m.importance, m.ack_required, m.created_ts, m.attachments, a.name,
	             bm25(messages_fts) AS rank
	      FROM messages_fts
	      JOIN messages m ON m.rowid = messages_fts.rowid
	      JOIN agents a ON a.id = m.sender_id
	      WHERE messages_fts MATCH ?
	        AND m.project_id IN (` + strings.Join(placeholders, ",") + `)
	        AND m.deleted_ts IS NULL` + extra + `
	      ORDER BY rank
	      LIMIT ?`

	rows, err := s.store.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "search: %v", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var attachmentsJSON string
		if err := rows.Scan(&h.Message.ID, &h.Message.ProjectID, &h.Message.SenderID, &h.Message.ThreadID,
			&h.Message.Subject, &h.Message.BodyMD, &h.Message.Importance, &h.Message.AckRequired,
			&h.Message.CreatedTS, &attachmentsJSON, &h.SenderName, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Sanitize turns raw, possibly hostile free-text into a safe FTS5 MATCH
// expression: it balances quotes, strips "col:" field-prefix syntax (search
// is always over subject+body, never a caller-chosen column), and drops only
// degenerate boolean-operator placements — an AND/OR/NOT with no operand on
// one side, or a run of bare operators — that would otherwise be a MATCH
// syntax error. A well-formed expression like "apple OR banana" or
// "apple NOT banana" passes through with its AND/OR/NOT semantics intact.
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	type token struct {
		text string
		isOp bool
	}

	var toks []token
	for _, tok := range strings.Fields(raw) {
		if idx := strings.Index(tok, ":"); idx > 0 && !strings.HasPrefix(tok, `"`) {
			// Strip "col:" field-qualifier syntax; every query is over the
			// subject+body columns implicitly.
			tok = tok[idx+1:]
			if tok == "" {
				continue
			}
		}
		upper := strings.ToUpper(tok)
		toks = append(toks, token{text: tok, isOp: upper == "AND" || upper == "OR" || upper == "NOT"})
	}

	var kept []token
	for i, t := range toks {
		if t.isOp {
			hasLeft := len(kept) > 0 && !kept[len(kept)-1].isOp
			hasRight := i+1 < len(toks) && !toks[i+1].isOp
			if !hasLeft || !hasRight {
				// No operand on one side: binds to nothing, so drop it
				// rather than let it become a dangling operator or a
				// MATCH syntax error.
				continue
			}
		}
		kept = append(kept, t)
	}

	quoteOpen := false
	var out []string
	for _, t := range kept {
		quoteOpen = quoteOpen != (strings.Count(t.text, `"`)%2 == 1)
		out = append(out, t.text)
	}
	if quoteOpen {
		// Unbalanced trailing quote: close it rather than reject the query.
		out = append(out, `"`)
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}
