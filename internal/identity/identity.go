// Package identity implements project lifecycle, agent registration and
// contact-link management.
package identity

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Service implements Identity operations against the Store.
type Service struct {
	store *store.Store
	now   func() int64
}

// New creates an Identity service. now defaults to the wall clock in
// microseconds.
func New(st *store.Store) *Service {
	return &Service{store: st, now: nowMicros}
}

func nowMicros() int64 { return time.Now().UnixMicro() }

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// placeholderKeys are human_key values that look like uninstantiated
// template placeholders and must be rejected.
var placeholderKeys = map[string]bool{
	"your_project": true,
	"yourproject":  true,
	"project":      true,
	"":             true,
}

func isAbsoluteDirLike(key string) bool {
	if key == "" {
		return false
	}
	// Accept POSIX-absolute or drive-letter-absolute paths; this is a
	// structural check, not a filesystem existence check.
	if strings.HasPrefix(key, "/") {
		return true
	}
	if len(key) >= 3 && key[1] == ':' && (key[2] == '\\' || key[2] == '/') {
		return true
	}
	return false
}

func slugify(key string) string {
	lower := strings.ToLower(key)
	slug := nonAlnumRun.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

// EnsureProject idempotently creates a project for humanKey, returning its
// (id, slug, human_key). Rejects empty or placeholder keys.
func (s *Service) EnsureProject(ctx context.Context, humanKey string) (*model.Project, error) {
	trimmed := strings.TrimSpace(humanKey)
	if placeholderKeys[strings.ToLower(trimmed)] || !isAbsoluteDirLike(trimmed) {
		return nil, errs.Validationf("human_key must be an absolute directory path, got %q", humanKey)
	}

	var existing model.Project
	var ignoreCase int
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, slug, human_key, ignore_case, created_ts FROM projects WHERE human_key = ?", trimmed,
	).Scan(&existing.ID, &existing.Slug, &existing.HumanKey, &ignoreCase, &existing.CreatedTS)
	if err == nil {
		existing.IgnoreCase = ignoreCase != 0
		return &existing, nil
	}

	base := slugify(trimmed)
	if base == "" {
		base = "project"
	}

	var project model.Project
	txErr := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		slug := base
		for n := 1; ; n++ {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM projects WHERE slug = ?", slug).Scan(&count); err != nil {
				return err
			}
			if count == 0 {
				break
			}
			slug = base + "-" + itoa(n)
		}

		now := s.now()
		res, err := tx.ExecContext(ctx,
			"INSERT INTO projects(slug, human_key, ignore_case, created_ts) VALUES (?, ?, 0, ?)",
			slug, trimmed, now)
		if err != nil {
			// Concurrent insert of the same human_key raced us; re-read.
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		project = model.Project{ID: id, Slug: slug, HumanKey: trimmed, CreatedTS: now}
		return nil
	})
	if txErr != nil {
		// Re-check for a concurrent idempotent creation before surfacing.
		var again model.Project
		var ic int
		if qerr := s.store.DB().QueryRowContext(ctx,
			"SELECT id, slug, human_key, ignore_case, created_ts FROM projects WHERE human_key = ?", trimmed,
		).Scan(&again.ID, &again.Slug, &again.HumanKey, &ic, &again.CreatedTS); qerr == nil {
			again.IgnoreCase = ic != 0
			return &again, nil
		}
		return nil, errs.New(errs.StoreUnavailable, "ensure_project: %v", txErr)
	}
	return &project, nil
}

// camelCaseAdjNoun matches names like "GoldFox": two (or more) capitalized
// word segments with no separators.
var camelCaseAdjNoun = regexp.MustCompile(`^[A-Z][a-z]+(?:[A-Z][a-z]+)+$`)

func isPathEscaping(s string) bool {
	return strings.Contains(s, "..") || strings.HasPrefix(s, "/") || strings.ContainsRune(s, 0)
}

// RegisterAgent creates or updates an agent identity within a project.
func (s *Service) RegisterAgent(ctx context.Context, projectID int64, program, modelName, name, taskDescription string) (*model.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.Validationf("agent name must not be empty")
	}
	if isPathEscaping(name) {
		return nil, errs.Validationf("agent name must not contain path-escaping characters")
	}
	if name == program {
		return nil, errs.Validationf("agent name must not equal the program name")
	}
	if name == modelName {
		return nil, errs.Validationf("agent name must not equal the model name")
	}
	if !camelCaseAdjNoun.MatchString(name) {
		return nil, errs.Validationf("agent name %q must follow the adjective+noun CamelCase convention (e.g. GoldFox)", name)
	}

	nameLower := strings.ToLower(name)
	now := s.now()

	var agent model.Agent
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		var existingID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM agents WHERE project_id = ? AND name_lower = ?", projectID, nameLower,
		).Scan(&existingID)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET program=?, model=?, task_description=?, last_active_ts=? WHERE id=?`,
				program, modelName, taskDescription, now, existingID)
			if err != nil {
				return err
			}
			return tx.QueryRowContext(ctx,
				`SELECT id, project_id, name, program, model, task_description, inception_ts, last_active_ts,
				        attachments_policy, contact_policy FROM agents WHERE id = ?`, existingID,
			).Scan(&agent.ID, &agent.ProjectID, &agent.Name, &agent.Program, &agent.Model, &agent.TaskDescription,
				&agent.InceptionTS, &agent.LastActiveTS, &agent.AttachmentsPolicy, &agent.ContactPolicy)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO agents(project_id, name, name_lower, program, model, task_description,
			                     inception_ts, last_active_ts, attachments_policy, contact_policy)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 'auto')`,
			projectID, name, nameLower, program, modelName, taskDescription, now, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		agent = model.Agent{
			ID: id, ProjectID: projectID, Name: name, Program: program, Model: modelName,
			TaskDescription: taskDescription, InceptionTS: now, LastActiveTS: now, ContactPolicy: model.PolicyAuto,
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "register_agent: %v", err)
	}
	return &agent, nil
}

// SetContactPolicy sets an agent's contact_policy, coercing any unknown
// value to "auto" rather than erroring.
func (s *Service) SetContactPolicy(ctx context.Context, agentID int64, rawPolicy string) (model.ContactPolicy, error) {
	policy := model.CoercePolicy(rawPolicy)
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE agents SET contact_policy = ? WHERE id = ?", policy, agentID)
		return err
	})
	if err != nil {
		return "", errs.New(errs.StoreUnavailable, "set_contact_policy: %v", err)
	}
	return policy, nil
}

// RequestContact creates or refreshes a pending contact edge from->to.
func (s *Service) RequestContact(ctx context.Context, fromAgentID, toAgentID int64) (*model.ContactLink, error) {
	now := s.now()
	link := &model.ContactLink{FromAgentID: fromAgentID, ToAgentID: toAgentID, State: model.ContactPending, UpdatedTS: now}
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contact_links(from_agent_id, to_agent_id, state, updated_ts) VALUES (?, ?, 'pending', ?)
			 ON CONFLICT(from_agent_id, to_agent_id) DO UPDATE SET state='pending', updated_ts=excluded.updated_ts`,
			fromAgentID, toAgentID, now)
		return err
	})
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "request_contact: %v", err)
	}
	return link, nil
}

// RespondContact accepts or declines a pending contact edge. accept=false
// records "declined".
func (s *Service) RespondContact(ctx context.Context, fromAgentID, toAgentID int64, accept bool) (*model.ContactLink, error) {
	state := model.ContactDeclined
	if accept {
		state = model.ContactAccepted
	}
	now := s.now()
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE contact_links SET state=?, updated_ts=? WHERE from_agent_id=? AND to_agent_id=? AND state='pending'",
			state, now, fromAgentID, toAgentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFoundf("contact request")
		}
		return nil
	})
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return nil, e
		}
		return nil, errs.New(errs.StoreUnavailable, "respond_contact: %v", err)
	}
	return &model.ContactLink{FromAgentID: fromAgentID, ToAgentID: toAgentID, State: state, UpdatedTS: now}, nil
}

// ListContacts returns every contact edge touching agentID, in either
// direction.
func (s *Service) ListContacts(ctx context.Context, agentID int64) ([]model.ContactLink, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT from_agent_id, to_agent_id, state, updated_ts FROM contact_links WHERE from_agent_id=? OR to_agent_id=?",
		agentID, agentID)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "list_contacts: %v", err)
	}
	defer rows.Close()

	var links []model.ContactLink
	for rows.Next() {
		var l model.ContactLink
		if err := rows.Scan(&l.FromAgentID, &l.ToAgentID, &l.State, &l.UpdatedTS); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// EdgeState looks up the contact_links state from -> to, returning "" if no
// edge exists.
func (s *Service) EdgeState(ctx context.Context, fromAgentID, toAgentID int64) (model.ContactState, error) {
	var state model.ContactState
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT state FROM contact_links WHERE from_agent_id=? AND to_agent_id=?", fromAgentID, toAgentID,
	).Scan(&state)
	if err != nil {
		return "", nil // nolint:nilerr // absent edge is not an error
	}
	return state, nil
}

// AgentByName looks up an agent by (project, case-insensitive name).
func (s *Service) AgentByName(ctx context.Context, projectID int64, name string) (*model.Agent, error) {
	var a model.Agent
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, project_id, name, program, model, task_description, inception_ts, last_active_ts,
		        attachments_policy, contact_policy FROM agents WHERE project_id=? AND name_lower=?`,
		projectID, strings.ToLower(name),
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
		&a.InceptionTS, &a.LastActiveTS, &a.AttachmentsPolicy, &a.ContactPolicy)
	if err != nil {
		return nil, errs.NotFoundf("agent %q", name)
	}
	return &a, nil
}

// ProjectBySlug looks up a project by slug.
func (s *Service) ProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	var p model.Project
	var ic int
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, slug, human_key, ignore_case, created_ts FROM projects WHERE slug=?", slug,
	).Scan(&p.ID, &p.Slug, &p.HumanKey, &ic, &p.CreatedTS)
	if err != nil {
		return nil, errs.NotFoundf("project %q", slug)
	}
	p.IgnoreCase = ic != 0
	return &p, nil
}

// ListProjects returns every project, oldest first.
func (s *Service) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.store.DB().QueryContext(ctx, "SELECT id, slug, human_key, ignore_case, created_ts FROM projects ORDER BY created_ts")
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
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
	return out, rows.Err()
}

// ListAgents returns every agent registered in a project.
func (s *Service) ListAgents(ctx context.Context, projectID int64) ([]model.Agent, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT id, project_id, name, program, model, task_description, inception_ts, last_active_ts,
		        attachments_policy, contact_policy FROM agents WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
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
	return out, rows.Err()
}

// RevokeContact sets an existing contact edge's state to revoked. Unlike
// RespondContact (which only accepts/declines a pending request), this
// lets either side withdraw a previously accepted contact.
func (s *Service) RevokeContact(ctx context.Context, fromAgentID, toAgentID int64) (*model.ContactLink, error) {
	now := s.now()
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE contact_links SET state='revoked', updated_ts=? WHERE from_agent_id=? AND to_agent_id=?",
			now, fromAgentID, toAgentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFoundf("contact link")
		}
		return nil
	})
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return nil, e
		}
		return nil, errs.New(errs.StoreUnavailable, "revoke_contact: %v", err)
	}
	return &model.ContactLink{FromAgentID: fromAgentID, ToAgentID: toAgentID, State: model.ContactRevoked, UpdatedTS: now}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
