// Package resources implements the resource:// read-view URI surface: the
// side-effect-free mirror of the same data the tools mutate, addressed by
// URI instead of a tool call.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/mail"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Deps bundles the collaborators every resource needs.
type Deps struct {
	Store   *store.Store
	Mail    *mail.Service
	Archive *archive.Archive
}

// Register wires every resource:// view into reg.
func Register(reg *mcp.Registry, d Deps) {
	reg.RegisterResource(&projectsResource{d})
	reg.RegisterResource(&projectResource{d})
	reg.RegisterResource(&agentsResource{d})
	reg.RegisterResource(&mailboxResource{d, false})
	reg.RegisterResource(&mailboxResource{d, true})
	reg.RegisterResource(&outboxResource{d})
	reg.RegisterResource(&inboxResource{d})
	reg.RegisterResource(&threadResource{d})
	reg.RegisterResource(&messageResource{d})
	reg.RegisterResource(&toolingDirectoryResource{})
	reg.RegisterResource(&toolingSchemasResource{reg})
}

// --- shared helpers ---

// splitURI separates scheme://path?query into (path segments, query values).
func splitURI(uri string) (segments []string, q url.Values) {
	rest := uri
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	path := rest
	query := ""
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		path, query = rest[:idx], rest[idx+1:]
	}
	segments = strings.Split(strings.Trim(path, "/"), "/")
	q, _ = url.ParseQuery(query)
	return segments, q
}

func jsonResult(uri string, v any) (*mcp.ResourcesReadResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ResourcesReadResult{
		Contents: []mcp.ResourceContent{{URI: uri, MimeType: "application/json", Text: string(b)}},
	}, nil
}

func (d Deps) projectIDBySlug(ctx context.Context, slug string) (int64, error) {
	var id int64
	err := d.Store.DB().QueryRowContext(ctx, "SELECT id FROM projects WHERE slug=?", slug).Scan(&id)
	if err != nil {
		return 0, errs.NotFoundf("project %q", slug)
	}
	return id, nil
}

func (d Deps) agentIDByName(ctx context.Context, projectID int64, name string) (int64, error) {
	var id int64
	err := d.Store.DB().QueryRowContext(ctx, "SELECT id FROM agents WHERE project_id=? AND name_lower=?",
		projectID, strings.ToLower(name)).Scan(&id)
	if err != nil {
		return 0, errs.NotFoundf("agent %q", name)
	}
	return id, nil
}

// --- projects ---

type projectsResource struct{ Deps }

func (r *projectsResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://projects", Name: "Projects", Description: "List of all registered projects", MimeType: "application/json"}
}
func (r *projectsResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 1 && segs[0] == "projects"
}
func (r *projectsResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	ctx := context.Background()
	rows, err := r.Store.DB().QueryContext(ctx, "SELECT id, slug, human_key, ignore_case, created_ts FROM projects ORDER BY created_ts")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		var ic int
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &ic, &p.CreatedTS); err != nil {
			return nil, err
		}
		p.IgnoreCase = ic != 0
		out = append(out, p)
	}
	return jsonResult(uri, out)
}

// --- project/{slug} ---

type projectResource struct{ Deps }

func (r *projectResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://project/{slug}", Name: "Project", Description: "One project by slug", MimeType: "application/json"}
}
func (r *projectResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "project"
}
func (r *projectResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, _ := splitURI(uri)
	ctx := context.Background()
	var p model.Project
	var ic int
	err := r.Store.DB().QueryRowContext(ctx, "SELECT id, slug, human_key, ignore_case, created_ts FROM projects WHERE slug=?", segs[1]).
		Scan(&p.ID, &p.Slug, &p.HumanKey, &ic, &p.CreatedTS)
	if err != nil {
		return nil, errs.NotFoundf("project %q", segs[1])
	}
	p.IgnoreCase = ic != 0
	return jsonResult(uri, p)
}

// --- agents/{project-slug} ---

type agentsResource struct{ Deps }

func (r *agentsResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://agents/{project-slug}", Name: "Agents", Description: "Agents registered within a project", MimeType: "application/json"}
}
func (r *agentsResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "agents"
}
func (r *agentsResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, _ := splitURI(uri)
	ctx := context.Background()
	projectID, err := r.projectIDBySlug(ctx, segs[1])
	if err != nil {
		return jsonResult(uri, []model.Agent{}) // empty if project missing, per contract
	}

	rows, err := r.Store.DB().QueryContext(ctx,
		`SELECT id, project_id, name, program, model, task_description, inception_ts, last_active_ts,
		        attachments_policy, contact_policy FROM agents WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
			&a.InceptionTS, &a.LastActiveTS, &a.AttachmentsPolicy, &a.ContactPolicy); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return jsonResult(uri, out)
}

// --- mailbox/{agent}?project=…  and mailbox-with-commits/{agent}?project=… ---

type mailboxMessage struct {
	model.Message
	Commit *archive.CommitMeta `json:"commit,omitempty"`
}

type mailboxView struct {
	Count    int               `json:"count"`
	Agent    string            `json:"agent"`
	Project  string            `json:"project"`
	Messages []mailboxMessage  `json:"messages"`
}

type mailboxResource struct {
	Deps
	withCommits bool
}

func (r *mailboxResource) Definition() mcp.ResourceDefinition {
	name, uri := "mailbox/{agent}", "resource://mailbox/{agent}?project=…"
	if r.withCommits {
		name, uri = "mailbox-with-commits/{agent}", "resource://mailbox-with-commits/{agent}?project=…"
	}
	return mcp.ResourceDefinition{URI: uri, Name: name, Description: "An agent's received messages, optionally with archive commit metadata", MimeType: "application/json"}
}
func (r *mailboxResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	if len(segs) != 2 {
		return false
	}
	if r.withCommits {
		return segs[0] == "mailbox-with-commits"
	}
	return segs[0] == "mailbox"
}
func (r *mailboxResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, q := splitURI(uri)
	projectSlug := q.Get("project")
	if projectSlug == "" {
		return nil, errs.Validationf("project query parameter is required")
	}
	ctx := context.Background()
	projectID, err := r.projectIDBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	agentID, err := r.agentIDByName(ctx, projectID, segs[1])
	if err != nil {
		return nil, err
	}

	rows, err := r.Mail.FetchInbox(ctx, projectID, agentID, 0, true)
	if err != nil {
		return nil, err
	}

	view := mailboxView{Agent: segs[1], Project: projectSlug}
	for _, row := range rows {
		mm := mailboxMessage{Message: row.Message}
		if r.withCommits && r.Archive != nil {
			path := r.Archive.MessagePath(projectSlug, row.Message.CreatedTS, row.Message.ID)
			if b, found, _ := r.Archive.Read(path); found {
				mm.Commit = &archive.CommitMeta{Summary: fmt.Sprintf("archived (%d bytes)", len(b))}
			}
		}
		view.Messages = append(view.Messages, mm)
	}
	view.Count = len(view.Messages)
	return jsonResult(uri, view)
}

// --- outbox/{agent}?project=…&include_bodies=… ---

type outboxResource struct{ Deps }

func (r *outboxResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://outbox/{agent}?project=…&include_bodies=…", Name: "Outbox", Description: "An agent's sent messages", MimeType: "application/json"}
}
func (r *outboxResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "outbox"
}
func (r *outboxResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, q := splitURI(uri)
	projectSlug := q.Get("project")
	if projectSlug == "" {
		return nil, errs.Validationf("project query parameter is required")
	}
	includeBodies, _ := strconv.ParseBool(q.Get("include_bodies"))
	ctx := context.Background()
	projectID, err := r.projectIDBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	agentID, err := r.agentIDByName(ctx, projectID, segs[1])
	if err != nil {
		return nil, err
	}

	bodyCol := "''"
	if includeBodies {
		bodyCol = "body_md"
	}
	rows, err := r.Store.DB().QueryContext(context.Background(), fmt.Sprintf(
		`SELECT id, project_id, sender_id, thread_id, subject, %s, importance, ack_required, created_ts
		 FROM messages WHERE project_id=? AND sender_id=? AND deleted_ts IS NULL ORDER BY created_ts DESC`, bodyCol),
		projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var ackReq int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD, &m.Importance, &ackReq, &m.CreatedTS); err != nil {
			return nil, err
		}
		m.AckRequired = ackReq != 0
		out = append(out, m)
	}
	return jsonResult(uri, out)
}

// --- inbox/{agent}?project=… (alternate view, identical rows to mailbox without the commit join) ---

type inboxResource struct{ Deps }

func (r *inboxResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://inbox/{agent}?project=…", Name: "Inbox", Description: "Alternate inbox view", MimeType: "application/json"}
}
func (r *inboxResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "inbox"
}
func (r *inboxResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, q := splitURI(uri)
	projectSlug := q.Get("project")
	if projectSlug == "" {
		return nil, errs.Validationf("project query parameter is required")
	}
	ctx := context.Background()
	projectID, err := r.projectIDBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	agentID, err := r.agentIDByName(ctx, projectID, segs[1])
	if err != nil {
		return nil, err
	}
	rows, err := r.Mail.FetchInbox(ctx, projectID, agentID, 0, true)
	if err != nil {
		return nil, err
	}
	return jsonResult(uri, rows)
}

// --- thread/{thread_id} ---

type threadResource struct{ Deps }

func (r *threadResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://thread/{thread_id}", Name: "Thread", Description: "Messages in a thread, project-scoped via query", MimeType: "application/json"}
}
func (r *threadResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "thread"
}
func (r *threadResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, q := splitURI(uri)
	ctx := context.Background()
	query := `SELECT id, project_id, sender_id, thread_id, subject, body_md, importance, ack_required, created_ts
	          FROM messages WHERE thread_id=? AND deleted_ts IS NULL`
	args := []any{segs[1]}
	if slug := q.Get("project"); slug != "" {
		projectID, err := r.projectIDBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		query += " AND project_id=?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_ts"

	rows, err := r.Store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var ackReq int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD, &m.Importance, &ackReq, &m.CreatedTS); err != nil {
			return nil, err
		}
		m.AckRequired = ackReq != 0
		out = append(out, m)
	}
	return jsonResult(uri, out)
}

// --- message/{id}?project=… ---

type messageResource struct{ Deps }

func (r *messageResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://message/{id}?project=…", Name: "Message", Description: "One message with metadata", MimeType: "application/json"}
}
func (r *messageResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "message"
}

type messageView struct {
	model.Message
	To  []string `json:"to"`
	CC  []string `json:"cc"`
	BCC []string `json:"bcc"`
}

func (r *messageResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	segs, q := splitURI(uri)
	ctx := context.Background()
	query := `SELECT id, project_id, sender_id, thread_id, subject, body_md, importance, ack_required, created_ts
	          FROM messages WHERE id=? AND deleted_ts IS NULL`
	args := []any{segs[1]}
	if slug := q.Get("project"); slug != "" {
		projectID, err := r.projectIDBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		query += " AND project_id=?"
		args = append(args, projectID)
	}

	var m model.Message
	var ackReq int
	err := r.Store.DB().QueryRowContext(ctx, query, args...).
		Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD, &m.Importance, &ackReq, &m.CreatedTS)
	if err != nil {
		return nil, errs.NotFoundf("message %q", segs[1])
	}
	m.AckRequired = ackReq != 0

	// The resource view shows the full recipient list (no viewer to apply
	// BCC privacy against); tool results apply RecipientsView per-caller instead.
	to, cc, bcc, err := r.Mail.RecipientsView(ctx, m.ID, m.SenderID)
	if err != nil {
		return nil, err
	}
	return jsonResult(uri, messageView{Message: m, To: to, CC: cc, BCC: bcc})
}

// --- tooling/directory ---

type toolingDirectoryResource struct{}

func (r *toolingDirectoryResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://tooling/directory", Name: "Tooling Directory", Description: "Static catalog of tool clusters", MimeType: "application/json"}
}
func (r *toolingDirectoryResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "tooling" && segs[1] == "directory"
}
func (r *toolingDirectoryResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	clusters := []map[string]string{
		{"cluster": "identity", "description": "Project and agent registration, contact policy and requests"},
		{"cluster": "mail", "description": "Send, reply, acknowledge, mark-read, fetch-inbox"},
		{"cluster": "search", "description": "Lexical search over subjects and bodies"},
		{"cluster": "reservations", "description": "Glob-scoped file leases: grant, renew, release, force-release"},
		{"cluster": "products", "description": "Cross-project grouping, product-scoped search/inbox"},
		{"cluster": "build_slots", "description": "Product-scoped worktree leases (WORKTREES_ENABLED)"},
		{"cluster": "system", "description": "health_check, whois"},
	}
	return jsonResult(uri, map[string]any{"clusters": clusters})
}

// --- tooling/schemas ---

type toolingSchemasResource struct{ reg *mcp.Registry }

func (r *toolingSchemasResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{URI: "resource://tooling/schemas", Name: "Tooling Schemas", Description: "Generated tool schema listing", MimeType: "application/json"}
}
func (r *toolingSchemasResource) Matches(uri string) bool {
	segs, _ := splitURI(uri)
	return len(segs) == 2 && segs[0] == "tooling" && segs[1] == "schemas"
}
func (r *toolingSchemasResource) Read(uri string) (*mcp.ResourcesReadResult, error) {
	return jsonResult(uri, map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"tools":        r.reg.List(),
	})
}
