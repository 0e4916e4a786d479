// Package identity exposes the Identity service as MCP tools:
// ensure_project, register_agent, set_contact_policy, request_contact,
// respond_contact, revoke_contact, list_contacts, list_projects,
// get_project, list_agents.
package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
)

// Register wires every identity tool into reg.
func Register(reg *mcp.Registry, svc *identity.Service) {
	reg.Register(&ensureProject{svc})
	reg.Register(&registerAgent{svc})
	reg.Register(&setContactPolicy{svc})
	reg.Register(&requestContact{svc})
	reg.Register(&respondContact{svc})
	reg.Register(&revokeContact{svc})
	reg.Register(&listContacts{svc})
	reg.Register(&listProjects{svc})
	reg.Register(&getProject{svc})
	reg.Register(&listAgents{svc})
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

// --- ensure_project ---

type ensureProjectParams struct {
	HumanKey string `json:"human_key"`
}

type ensureProject struct{ svc *identity.Service }

func (t *ensureProject) Name() string { return "ensure_project" }

func (t *ensureProject) Description() string {
	return "Idempotently create or ensure a project exists for the given human key. Returns the project's id, slug and human_key."
}

func (t *ensureProject) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "human_key": {"type": "string", "description": "Absolute directory path identifying the project workspace"}
  },
  "required": ["human_key"]
}`)
}

func (t *ensureProject) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ensureProjectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.EnsureProject(ctx, p.HumanKey)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id":        project.ID,
		"slug":      project.Slug,
		"human_key": project.HumanKey,
	})
}

// --- register_agent ---

type registerAgentParams struct {
	ProjectKey      string `json:"project_key"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	Name            string `json:"name"`
	TaskDescription string `json:"task_description,omitempty"`
}

type registerAgent struct{ svc *identity.Service }

func (t *registerAgent) Name() string { return "register_agent" }

func (t *registerAgent) Description() string {
	return "Create or update an agent identity within a project, following the adjective+noun CamelCase naming convention."
}

func (t *registerAgent) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string", "description": "Project slug or human_key"},
    "program": {"type": "string"},
    "model": {"type": "string"},
    "name": {"type": "string", "description": "Adjective+noun CamelCase name, e.g. GoldFox"},
    "task_description": {"type": "string"}
  },
  "required": ["project_key", "program", "model", "name"]
}`)
}

func (t *registerAgent) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p registerAgentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agent, err := t.svc.RegisterAgent(ctx, project.ID, p.Program, p.Model, p.Name, p.TaskDescription)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id":                agent.ID,
		"name":              agent.Name,
		"program":           agent.Program,
		"model":             agent.Model,
		"contact_policy":    agent.ContactPolicy,
		"task_description":  agent.TaskDescription,
		"inception_ts":      agent.InceptionTS,
	})
}

// --- set_contact_policy ---

type setContactPolicyParams struct {
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent"`
	Policy     string `json:"policy"`
}

type setContactPolicy struct{ svc *identity.Service }

func (t *setContactPolicy) Name() string { return "set_contact_policy" }

func (t *setContactPolicy) Description() string {
	return "Set an agent's contact policy (open, contacts_only, block_all, auto). Unknown values silently coerce to auto."
}

func (t *setContactPolicy) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "policy": {"type": "string"}
  },
  "required": ["project_key", "agent", "policy"]
}`)
}

func (t *setContactPolicy) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p setContactPolicyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agent, err := t.svc.AgentByName(ctx, project.ID, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	policy, err := t.svc.SetContactPolicy(ctx, agent.ID, p.Policy)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"agent": agent.Name, "policy": policy})
}

// --- request_contact ---

type requestContactParams struct {
	ProjectKey string `json:"project_key"`
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
}

type requestContact struct{ svc *identity.Service }

func (t *requestContact) Name() string { return "request_contact" }

func (t *requestContact) Description() string {
	return "Request a contact link from one agent to another, creating or refreshing a pending edge."
}

func (t *requestContact) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "from_agent": {"type": "string"},
    "to_agent": {"type": "string"}
  },
  "required": ["project_key", "from_agent", "to_agent"]
}`)
}

func (t *requestContact) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p requestContactParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	from, err := t.svc.AgentByName(ctx, project.ID, p.FromAgent)
	if err != nil {
		return errorResult(err), nil
	}
	to, err := t.svc.AgentByName(ctx, project.ID, p.ToAgent)
	if err != nil {
		return errorResult(err), nil
	}
	link, err := t.svc.RequestContact(ctx, from.ID, to.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"from": p.FromAgent, "to": p.ToAgent, "state": link.State})
}

// --- respond_contact ---

type respondContactParams struct {
	ProjectKey string `json:"project_key"`
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
	Accept     bool   `json:"accept"`
}

type respondContact struct{ svc *identity.Service }

func (t *respondContact) Name() string { return "respond_contact" }

func (t *respondContact) Description() string {
	return "Accept or decline a pending contact request from one agent to another."
}

func (t *respondContact) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "from_agent": {"type": "string", "description": "The agent who originally requested contact"},
    "to_agent": {"type": "string", "description": "The agent responding"},
    "accept": {"type": "boolean"}
  },
  "required": ["project_key", "from_agent", "to_agent", "accept"]
}`)
}

func (t *respondContact) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p respondContactParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	from, err := t.svc.AgentByName(ctx, project.ID, p.FromAgent)
	if err != nil {
		return errorResult(err), nil
	}
	to, err := t.svc.AgentByName(ctx, project.ID, p.ToAgent)
	if err != nil {
		return errorResult(err), nil
	}
	link, err := t.svc.RespondContact(ctx, from.ID, to.ID, p.Accept)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"from": p.FromAgent, "to": p.ToAgent, "state": link.State})
}

// --- revoke_contact ---

type revokeContactParams struct {
	ProjectKey string `json:"project_key"`
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
}

type revokeContact struct{ svc *identity.Service }

func (t *revokeContact) Name() string { return "revoke_contact" }

func (t *revokeContact) Description() string {
	return "Revoke a previously accepted contact link between two agents."
}

func (t *revokeContact) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "from_agent": {"type": "string"},
    "to_agent": {"type": "string"}
  },
  "required": ["project_key", "from_agent", "to_agent"]
}`)
}

func (t *revokeContact) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p revokeContactParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	from, err := t.svc.AgentByName(ctx, project.ID, p.FromAgent)
	if err != nil {
		return errorResult(err), nil
	}
	to, err := t.svc.AgentByName(ctx, project.ID, p.ToAgent)
	if err != nil {
		return errorResult(err), nil
	}
	link, err := t.svc.RevokeContact(ctx, from.ID, to.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"from": p.FromAgent, "to": p.ToAgent, "state": link.State})
}

// --- list_projects ---

type listProjects struct{ svc *identity.Service }

func (t *listProjects) Name() string { return "list_projects" }

func (t *listProjects) Description() string {
	return "List every known project with its slug and human key."
}

func (t *listProjects) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *listProjects) Execute(ctx context.Context, _ json.RawMessage) (*mcp.ToolsCallResult, error) {
	projects, err := t.svc.ListProjects(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, map[string]any{"id": p.ID, "slug": p.Slug, "human_key": p.HumanKey})
	}
	return jsonResult(map[string]any{"count": len(out), "projects": out})
}

// --- get_project ---

type getProjectParams struct {
	ProjectKey string `json:"project_key"`
}

type getProject struct{ svc *identity.Service }

func (t *getProject) Name() string { return "get_project" }

func (t *getProject) Description() string {
	return "Look up one project by slug or human key."
}

func (t *getProject) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"project_key": {"type": "string"}},
  "required": ["project_key"]
}`)
}

func (t *getProject) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p getProjectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"id": project.ID, "slug": project.Slug, "human_key": project.HumanKey})
}

// --- list_agents ---

type listAgentsParams struct {
	ProjectKey string `json:"project_key"`
}

type listAgents struct{ svc *identity.Service }

func (t *listAgents) Name() string { return "list_agents" }

func (t *listAgents) Description() string {
	return "List every agent registered within a project."
}

func (t *listAgents) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"project_key": {"type": "string"}},
  "required": ["project_key"]
}`)
}

func (t *listAgents) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p listAgentsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agents, err := t.svc.ListAgents(ctx, project.ID)
	if err != nil {
		return errorResult(err), nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"name": a.Name, "program": a.Program, "model": a.Model, "contact_policy": a.ContactPolicy,
		})
	}
	return jsonResult(map[string]any{"project": project.Slug, "count": len(out), "agents": out})
}

// --- list_contacts ---

type listContactsParams struct {
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent"`
}

type listContacts struct{ svc *identity.Service }

func (t *listContacts) Name() string { return "list_contacts" }

func (t *listContacts) Description() string {
	return "List every contact edge touching an agent, in either direction."
}

func (t *listContacts) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"}
  },
  "required": ["project_key", "agent"]
}`)
}

func (t *listContacts) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p listContactsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.svc.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agent, err := t.svc.AgentByName(ctx, project.ID, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	links, err := t.svc.ListContacts(ctx, agent.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"agent": agent.Name, "contacts": links})
}
