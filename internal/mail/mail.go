// Package mail implements message send/reply/ack/read and inbox retrieval.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/guards"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/policy"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

const defaultFetchLimit = 50

// Service implements Mail operations.
type Service struct {
	store    *store.Store
	identity *identity.Service
	archive  *archive.Archive
	cache    *cache.Cache
	queue    *wbq.Queue
	now      func() int64
}

// New creates a Mail service wired to its collaborators.
func New(st *store.Store, ident *identity.Service, arc *archive.Archive, c *cache.Cache, q *wbq.Queue) *Service {
	return &Service{store: st, identity: ident, archive: arc, cache: c, queue: q, now: func() int64 { return time.Now().UnixMicro() }}
}

// RecipientInput is one caller-supplied recipient before resolution.
type RecipientInput struct {
	Name string
	Kind model.RecipientKind
}

// SendParams carries the arguments for Send/Reply.
type SendParams struct {
	ProjectID   int64
	SenderID    int64
	Recipients  []RecipientInput
	Subject     string
	BodyMD      string
	Importance  string
	AckRequired bool
	ThreadID    string // empty: derive from the new message id
	Attachments []string
	// Force is passed to the guard runner, where it only overrides soft
	// blocks. The default send guards (duplicate-subject, broad fan-out)
	// are advisory, never block, and are reported in Advisory whether or
	// not Force is set. Force never overrides a hard Validation/PolicyDenied
	// error.
	Force bool
}

// SendResult pairs the persisted message with any non-blocking guard
// advisories raised while sending it.
type SendResult struct {
	Message   *model.Message
	Advisory  string
}

// Send validates and persists a new message, gating each recipient through
// the contact policy, and enqueues the archive write + cache invalidation
// on commit.
func (s *Service) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	if len(p.Recipients) == 0 {
		return nil, errs.Validationf("recipient list must not be empty")
	}
	importance := p.Importance
	if importance == "" {
		importance = string(model.ImportanceNormal)
	}
	if !model.ValidImportance(importance) {
		return nil, errs.Validationf("unknown importance %q", importance)
	}

	resolved, err := s.resolveRecipients(ctx, p.ProjectID, p.Recipients)
	if err != nil {
		return nil, err
	}

	sender, err := s.agentByID(ctx, p.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.ProjectID != p.ProjectID {
		return nil, errs.Validationf("sender is not a member of this project")
	}

	for _, r := range resolved {
		if r.agent.ProjectID != p.ProjectID {
			return nil, errs.Validationf("recipient %q is not a member of this project", r.agent.Name)
		}
		edge, err := s.identity.EdgeState(ctx, sender.ID, r.agent.ID)
		if err != nil {
			return nil, err
		}
		decision := policy.Evaluate(r.agent.Name, r.agent.ContactPolicy, edge)
		if !decision.Allowed {
			return nil, &errs.Error{Kind: errs.PolicyDenied, Message: decision.Reason}
		}
	}

	gctx := &guards.GuardContext{
		ProjectID: p.ProjectID, SenderID: p.SenderID, RecipientCount: len(resolved),
		Subject: p.Subject, Force: p.Force,
	}
	gctx.RecentDuplicateSubject = s.recentDuplicate(ctx, p.ProjectID, sender.ID, p.Subject)
	outcome := guards.NewRunner().Run(ctx, gctx, guards.DefaultSendGuards())
	advisory := outcome.FormatAdvisoryMessage()

	id := uuid.NewString()
	threadID := p.ThreadID
	if threadID == "" {
		threadID = id
	}
	if strings.Contains(threadID, "..") || strings.HasPrefix(threadID, "/") || strings.ContainsRune(threadID, 0) {
		return nil, errs.Validationf("thread_id must not contain path-escaping segments")
	}

	attachmentsJSON, err := json.Marshal(p.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}

	now := s.now()
	msg := &model.Message{
		ID: id, ProjectID: p.ProjectID, SenderID: sender.ID, ThreadID: threadID,
		Subject: p.Subject, BodyMD: p.BodyMD, Importance: model.Importance(importance),
		AckRequired: p.AckRequired, CreatedTS: now, Attachments: p.Attachments,
	}

	err = s.store.WithWrite(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, project_id, sender_id, thread_id, subject, body_md, importance,
			                       ack_required, created_ts, attachments)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ProjectID, msg.SenderID, msg.ThreadID, msg.Subject, msg.BodyMD, msg.Importance,
			boolToInt(msg.AckRequired), msg.CreatedTS, string(attachmentsJSON))
		if err != nil {
			return err
		}
		for _, r := range resolved {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO message_recipients(message_id, agent_id, kind) VALUES (?, ?, ?)",
				msg.ID, r.agent.ID, r.kind); err != nil {
				return err
			}
			msg.Recipients = append(msg.Recipients, model.Recipient{MessageID: msg.ID, AgentID: r.agent.ID, Kind: r.kind})
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "send_message: %v", err)
	}

	s.afterWrite(p.ProjectID, sender, resolved)
	project, _ := s.projectSlug(ctx, p.ProjectID)
	s.enqueueArchiveWrite(project, msg)

	return &SendResult{Message: msg, Advisory: advisory}, nil
}

// recentDuplicate reports whether sender already sent an identical subject
// in this project within the last 5 minutes, feeding the duplicate_subject
// guard.
func (s *Service) recentDuplicate(ctx context.Context, projectID, senderID int64, subject string) bool {
	if subject == "" {
		return false
	}
	cutoff := s.now() - 5*60*1_000_000
	var count int
	_ = s.store.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE project_id=? AND sender_id=? AND subject=? AND created_ts > ? AND deleted_ts IS NULL`,
		projectID, senderID, subject, cutoff).Scan(&count)
	return count > 0
}

// reSubjectPrefix is the literal prefix applied at most once.
const reSubjectPrefix = "Re: "

// ReplySubject implements P7: reply_subject(s) = s if s already starts with
// "Re: ", else "Re: " + s. Idempotent under repeated application.
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, reSubjectPrefix) {
		return subject
	}
	return reSubjectPrefix + subject
}

// Reply sends a reply to parentID, inheriting its thread_id and applying
// subject normalization.
func (s *Service) Reply(ctx context.Context, parentID string, p SendParams) (*SendResult, error) {
	parent, err := s.messageByID(ctx, parentID, p.ProjectID)
	if err != nil {
		return nil, err
	}
	p.ThreadID = parent.ThreadID
	p.Subject = ReplySubject(parent.Subject)
	return s.Send(ctx, p)
}

// Acknowledge marks (messageID, agentID)'s ack_ts, idempotently.
func (s *Service) Acknowledge(ctx context.Context, messageID string, agentID int64) error {
	return s.stampRecipient(ctx, messageID, agentID, "ack_ts")
}

// MarkRead marks (messageID, agentID)'s read_ts, idempotently.
func (s *Service) MarkRead(ctx context.Context, messageID string, agentID int64) error {
	return s.stampRecipient(ctx, messageID, agentID, "read_ts")
}

func (s *Service) stampRecipient(ctx context.Context, messageID string, agentID int64, column string) error {
	now := s.now()
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		var existing *int64
		query := fmt.Sprintf("SELECT %s FROM message_recipients WHERE message_id=? AND agent_id=?", column)
		row := tx.QueryRowContext(ctx, query, messageID, agentID)
		var ts *int64
		if err := row.Scan(&ts); err != nil {
			return errs.NotFoundf("recipient row for message %q", messageID)
		}
		existing = ts
		if existing != nil {
			return nil // idempotent: already stamped
		}
		stmt := fmt.Sprintf("UPDATE message_recipients SET %s=? WHERE message_id=? AND agent_id=?", column)
		_, err := tx.ExecContext(ctx, stmt, now, messageID, agentID)
		return err
	})
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return e
		}
		return errs.New(errs.StoreUnavailable, "%v", err)
	}

	var projectID int64
	_ = s.store.DB().QueryRowContext(ctx, "SELECT project_id FROM messages WHERE id=?", messageID).Scan(&projectID)
	s.cache.InvalidateAgent(projectID, agentID)
	return nil
}

// InboxRow is one fetch_inbox result row.
type InboxRow struct {
	Message   model.Message
	Kind      model.RecipientKind
	ReadTS    *int64
	AckTS     *int64
	SenderName string
}

// FetchInbox returns the caller's recent recipient rows, newest first,
// without mutating any state.
func (s *Service) FetchInbox(ctx context.Context, projectID, agentID int64, limit int, includeBodies bool) ([]InboxRow, error) {
	if limit < 0 {
		return nil, errs.Validationf("limit must not be negative")
	}
	if limit == 0 {
		limit = defaultFetchLimit
	}

	bodyCol := "''"
	if includeBodies {
		bodyCol = "m.body_md"
	}
	query := fmt.Sprintf(`
		SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.subject, %s, m.importance,
		       m.ack_required, m.created_ts, mr.kind, mr.read_ts, mr.ack_ts, a.name
		FROM message_recipients mr
		JOIN messages m ON m.id = mr.message_id
		JOIN agents a ON a.id = m.sender_id
		WHERE mr.agent_id = ? AND m.project_id = ? AND m.deleted_ts IS NULL
		ORDER BY m.created_ts DESC
		LIMIT ?`, bodyCol)

	rows, err := s.store.DB().QueryContext(ctx, query, agentID, projectID, limit)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "fetch_inbox: %v", err)
	}
	defer rows.Close()

	var out []InboxRow
	for rows.Next() {
		var r InboxRow
		var ackReq int
		if err := rows.Scan(&r.Message.ID, &r.Message.ProjectID, &r.Message.SenderID, &r.Message.ThreadID,
			&r.Message.Subject, &r.Message.BodyMD, &r.Message.Importance, &ackReq, &r.Message.CreatedTS,
			&r.Kind, &r.ReadTS, &r.AckTS, &r.SenderName); err != nil {
			return nil, err
		}
		r.Message.AckRequired = ackReq != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetMessage looks up one message by id within a project, without mutating
// any read/ack state.
func (s *Service) GetMessage(ctx context.Context, projectID int64, id string) (*model.Message, error) {
	return s.messageByID(ctx, id, projectID)
}

// RecipientsView builds the structured to/cc/bcc name arrays for a message.
// bcc names are populated only when viewerID is the sender or one of the
// bcc recipients themselves; everyone else sees an empty bcc array even
// though the rows exist in the Store.
func (s *Service) RecipientsView(ctx context.Context, messageID string, viewerID int64) (to, cc, bcc []string, err error) {
	var senderID int64
	if err := s.store.DB().QueryRowContext(ctx, "SELECT sender_id FROM messages WHERE id=?", messageID).Scan(&senderID); err != nil {
		return nil, nil, nil, errs.NotFoundf("message %q", messageID)
	}

	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT a.name, mr.kind FROM message_recipients mr JOIN agents a ON a.id = mr.agent_id WHERE mr.message_id = ?`,
		messageID)
	if err != nil {
		return nil, nil, nil, errs.New(errs.StoreUnavailable, "%v", err)
	}
	defer rows.Close()

	viewerIsBCC := viewerID == senderID
	type row struct{ name string; kind model.RecipientKind }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.name, &r.kind); err != nil {
			return nil, nil, nil, err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	// A viewer who is themselves BCC'd may see the bcc field (it is their
	// own address, not another recipient's).
	var viewerAgent model.Agent
	_ = s.store.DB().QueryRowContext(ctx, "SELECT name FROM agents WHERE id=?", viewerID).Scan(&viewerAgent.Name)

	for _, r := range all {
		switch r.kind {
		case model.RecipientTo:
			to = append(to, r.name)
		case model.RecipientCC:
			cc = append(cc, r.name)
		case model.RecipientBCC:
			if viewerIsBCC || r.name == viewerAgent.Name {
				bcc = append(bcc, r.name)
			}
		}
	}
	return to, cc, bcc, nil
}

// --- internals ---

type resolvedRecipient struct {
	agent *model.Agent
	kind  model.RecipientKind
}

func (s *Service) resolveRecipients(ctx context.Context, projectID int64, inputs []RecipientInput) ([]resolvedRecipient, error) {
	out := make([]resolvedRecipient, 0, len(inputs))
	for _, in := range inputs {
		agent, err := s.identity.AgentByName(ctx, projectID, in.Name)
		if err != nil {
			return nil, err
		}
		kind := in.Kind
		if kind == "" {
			kind = model.RecipientTo
		}
		out = append(out, resolvedRecipient{agent: agent, kind: kind})
	}
	return out, nil
}

func (s *Service) agentByID(ctx context.Context, id int64) (*model.Agent, error) {
	var a model.Agent
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, project_id, name, program, model, task_description, inception_ts, last_active_ts,
		        attachments_policy, contact_policy FROM agents WHERE id=?`, id,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
		&a.InceptionTS, &a.LastActiveTS, &a.AttachmentsPolicy, &a.ContactPolicy)
	if err != nil {
		return nil, errs.NotFoundf("agent")
	}
	return &a, nil
}

func (s *Service) messageByID(ctx context.Context, id string, projectID int64) (*model.Message, error) {
	var m model.Message
	var ackReq int
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, project_id, sender_id, thread_id, subject, body_md, importance, ack_required, created_ts
		 FROM messages WHERE id=? AND project_id=? AND deleted_ts IS NULL`, id, projectID,
	).Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD, &m.Importance, &ackReq, &m.CreatedTS)
	if err != nil {
		return nil, errs.NotFoundf("message %q", id)
	}
	m.AckRequired = ackReq != 0
	return &m, nil
}

func (s *Service) projectSlug(ctx context.Context, id int64) (string, error) {
	var slug string
	err := s.store.DB().QueryRowContext(ctx, "SELECT slug FROM projects WHERE id=?", id).Scan(&slug)
	return slug, err
}

func (s *Service) afterWrite(projectID int64, sender *model.Agent, recipients []resolvedRecipient) {
	s.cache.InvalidateAgent(projectID, sender.ID)
	for _, r := range recipients {
		s.cache.InvalidateAgent(projectID, r.agent.ID)
	}
	if s.queue != nil {
		s.queue.TouchLastActive(sender.ID, s.now())
	}
}

func (s *Service) enqueueArchiveWrite(projectSlug string, msg *model.Message) {
	if s.queue == nil || s.archive == nil {
		return
	}
	s.queue.Enqueue(wbq.Task{
		Key: "message:" + msg.ID,
		Run: func(ctx context.Context) error {
			_, err := s.archive.WriteMessage(projectSlug, msg)
			return err
		},
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
