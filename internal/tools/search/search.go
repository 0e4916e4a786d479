// Package search exposes the Search service as MCP tools: search_messages,
// search_messages_product, summarize_thread, summarize_thread_product.
package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/products"
	"github.com/mail-mcp/mailmcpd/internal/search"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Deps bundles the collaborators the search tools need.
type Deps struct {
	Store    *store.Store
	Identity *identity.Service
	Search   *search.Service
	Products *products.Service
}

// Register wires every search tool into reg.
func Register(reg *mcp.Registry, d Deps) {
	reg.Register(&searchMessages{d})
	reg.Register(&searchMessagesProduct{d})
	reg.Register(&summarizeThread{d})
	reg.Register(&summarizeThreadProduct{d})
}

func errorResult(err error) *mcp.ToolsCallResult {
	return mcp.ErrorResult(err.Error())
}

func jsonResult(v any) (*mcp.ToolsCallResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.ToolsCallResult{Content: []mcp.ContentBlock{mcp.TextContent(string(b))}}, nil
}

func hitsJSON(hits []search.Hit) []map[string]any {
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"id":         h.Message.ID,
			"subject":    h.Message.Subject,
			"from":       h.SenderName,
			"importance": h.Message.Importance,
			"thread_id":  h.Message.ThreadID,
			"project_id": h.Message.ProjectID,
			"score":      h.Rank,
		})
	}
	return out
}

type filterParams struct {
	Sender     string `json:"sender,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Importance string `json:"importance,omitempty"`
	DateStart  int64  `json:"date_start,omitempty"`
	DateEnd    int64  `json:"date_end,omitempty"`
}

func (f filterParams) toFilter() search.Filter {
	return search.Filter{
		SenderName: f.Sender,
		ThreadID:   f.ThreadID,
		Importance: f.Importance,
		DateStart:  f.DateStart,
		DateEnd:    f.DateEnd,
	}
}

// --- search_messages ---

type searchMessagesParams struct {
	ProjectKey string `json:"project_key"`
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	filterParams
}

type searchMessages struct{ d Deps }

func (t *searchMessages) Name() string { return "search_messages" }

func (t *searchMessages) Description() string {
	return "Search messages within a single project's lexical index by subject and body text."
}

func (t *searchMessages) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "query": {"type": "string"},
    "limit": {"type": "integer"},
    "sender": {"type": "string"},
    "thread_id": {"type": "string"},
    "importance": {"type": "string"},
    "date_start": {"type": "integer"},
    "date_end": {"type": "integer"}
  },
  "required": ["project_key", "query"]
}`)
}

func (t *searchMessages) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p searchMessagesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	hits, err := t.d.Search.Search(ctx, project.ID, p.Query, p.Limit, p.toFilter())
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"count": len(hits), "results": hitsJSON(hits)})
}

// --- search_messages_product ---

type searchMessagesProductParams struct {
	ProductKey string `json:"product_key"`
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	filterParams
}

type searchMessagesProduct struct{ d Deps }

func (t *searchMessagesProduct) Name() string { return "search_messages_product" }

func (t *searchMessagesProduct) Description() string {
	return "Search messages across every project currently linked to a product."
}

func (t *searchMessagesProduct) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "query": {"type": "string"},
    "limit": {"type": "integer"},
    "sender": {"type": "string"},
    "thread_id": {"type": "string"},
    "importance": {"type": "string"},
    "date_start": {"type": "integer"},
    "date_end": {"type": "integer"}
  },
  "required": ["product_key", "query"]
}`)
}

func (t *searchMessagesProduct) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p searchMessagesProductParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	projectIDs, err := t.d.Products.ProjectIDs(ctx, product.ID)
	if err != nil {
		return errorResult(err), nil
	}
	hits, err := t.d.Search.SearchProjects(ctx, projectIDs, p.Query, p.Limit, p.toFilter())
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"count": len(hits), "results": hitsJSON(hits)})
}

// --- summarize_thread ---

type threadRow struct {
	ID         string
	ProjectID  int64
	Subject    string
	BodyMD     string
	Importance string
	CreatedTS  int64
	SenderName string
}

func (d Deps) loadThread(ctx context.Context, threadID string, projectIDs []int64) ([]threadRow, error) {
	placeholders := ""
	args := []any{threadID}
	for i, id := range projectIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	q := `SELECT m.id, m.project_id, m.subject, m.body_md, m.importance, m.created_ts, a.name
	      FROM messages m JOIN agents a ON a.id = m.sender_id
	      WHERE m.thread_id = ? AND m.deleted_ts IS NULL`
	if len(projectIDs) > 0 {
		q += " AND m.project_id IN (" + placeholders + ")"
	}
	q += " ORDER BY m.created_ts ASC"

	rows, err := d.Store.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
	}
	defer rows.Close()

	var out []threadRow
	for rows.Next() {
		var r threadRow
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Subject, &r.BodyMD, &r.Importance, &r.CreatedTS, &r.SenderName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.NotFoundf("thread %q", threadID)
	}
	return out, nil
}

func threadSummaryJSON(threadID string, rows []threadRow) map[string]any {
	messages := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, map[string]any{
			"id":         r.ID,
			"subject":    r.Subject,
			"from":       r.SenderName,
			"importance": r.Importance,
			"created_ts": r.CreatedTS,
			"project_id": r.ProjectID,
		})
	}
	return map[string]any{
		"thread_id":     threadID,
		"message_count": len(rows),
		"subject":       rows[0].Subject,
		"messages":      messages,
	}
}

type summarizeThreadParams struct {
	ProjectKey string `json:"project_key"`
	ThreadID   string `json:"thread_id"`
}

type summarizeThread struct{ d Deps }

func (t *summarizeThread) Name() string { return "summarize_thread" }

func (t *summarizeThread) Description() string {
	return "Summarize every message in a thread within a single project, ordered oldest first."
}

func (t *summarizeThread) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "thread_id": {"type": "string"}
  },
  "required": ["project_key", "thread_id"]
}`)
}

func (t *summarizeThread) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p summarizeThreadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	rows, err := t.d.loadThread(ctx, p.ThreadID, []int64{project.ID})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(threadSummaryJSON(p.ThreadID, rows))
}

// --- summarize_thread_product ---

type summarizeThreadProductParams struct {
	ProductKey string `json:"product_key"`
	ThreadID   string `json:"thread_id"`
}

type summarizeThreadProduct struct{ d Deps }

func (t *summarizeThreadProduct) Name() string { return "summarize_thread_product" }

func (t *summarizeThreadProduct) Description() string {
	return "Summarize every message in a thread across every project linked to a product."
}

func (t *summarizeThreadProduct) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "thread_id": {"type": "string"}
  },
  "required": ["product_key", "thread_id"]
}`)
}

func (t *summarizeThreadProduct) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p summarizeThreadProductParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	projectIDs, err := t.d.Products.ProjectIDs(ctx, product.ID)
	if err != nil {
		return errorResult(err), nil
	}
	rows, err := t.d.loadThread(ctx, p.ThreadID, projectIDs)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(threadSummaryJSON(p.ThreadID, rows))
}
