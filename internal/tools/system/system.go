// Package system implements cross-cutting tools that don't belong to any
// one domain component: health_check and whois.
package system

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Deps bundles the collaborators the system tools need.
type Deps struct {
	Store    *store.Store
	Identity *identity.Service
	Version  string
}

// Register wires every system tool into reg.
func Register(reg *mcp.Registry, d Deps) {
	reg.Register(&healthCheck{d})
	reg.Register(&whois{d})
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

// --- health_check ---

type healthCheck struct{ d Deps }

func (t *healthCheck) Name() string { return "health_check" }

func (t *healthCheck) Description() string {
	return "Return basic readiness information: store integrity status and service version."
}

func (t *healthCheck) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *healthCheck) Execute(ctx context.Context, _ json.RawMessage) (*mcp.ToolsCallResult, error) {
	defects, err := t.d.Store.IntegrityCheck(ctx)
	if err != nil {
		return errorResult(errs.New(errs.StoreUnavailable, "integrity check failed: %v", err)), nil
	}
	status := "ok"
	if len(defects) > 0 {
		status = "degraded"
	}
	return jsonResult(map[string]any{
		"status":  status,
		"version": t.d.Version,
		"defects": defects,
	})
}

// --- whois ---

type whoisParams struct {
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent"`
}

type whois struct{ d Deps }

func (t *whois) Name() string { return "whois" }

func (t *whois) Description() string {
	return "Look up an agent's identity, program, model, and contact policy within a project."
}

func (t *whois) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"}
  },
  "required": ["project_key", "agent"]
}`)
}

func (t *whois) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p whoisParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agent, err := t.d.Identity.AgentByName(ctx, project.ID, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"name":             agent.Name,
		"program":          agent.Program,
		"model":            agent.Model,
		"task_description": agent.TaskDescription,
		"contact_policy":   agent.ContactPolicy,
		"inception_ts":     agent.InceptionTS,
		"last_active_ts":   agent.LastActiveTS,
		"project":          project.Slug,
	})
}
