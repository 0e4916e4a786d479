// Package reservations exposes the Reservations service as MCP tools:
// file_reservation_paths, renew_file_reservations, release_file_reservations,
// force_release_file_reservation.
package reservations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/reservations"
)

// Deps bundles the collaborators the reservation tools need.
type Deps struct {
	Identity     *identity.Service
	Reservations *reservations.Service
}

// Register wires every reservation tool into reg.
func Register(reg *mcp.Registry, d Deps) {
	reg.Register(&fileReservationPaths{d})
	reg.Register(&renewFileReservations{d})
	reg.Register(&releaseFileReservations{d})
	reg.Register(&forceReleaseFileReservation{d})
	reg.Register(&listFileReservations{d})
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

// --- file_reservation_paths ---

type fileReservationPathsParams struct {
	ProjectKey string   `json:"project_key"`
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  bool     `json:"exclusive,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

type fileReservationPaths struct{ d Deps }

func (t *fileReservationPaths) Name() string { return "file_reservation_paths" }

func (t *fileReservationPaths) Description() string {
	return "Request advisory leases on one or more glob file-path patterns, granting paths that don't overlap another agent's active exclusive reservation."
}

func (t *fileReservationPaths) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "paths": {"type": "array", "items": {"type": "string"}},
    "exclusive": {"type": "boolean"},
    "reason": {"type": "string"},
    "ttl_seconds": {"type": "integer"}
  },
  "required": ["project_key", "agent", "paths"]
}`)
}

func (t *fileReservationPaths) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p fileReservationPathsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(p.Paths) == 0 {
		return mcp.ErrorResult("paths must not be empty"), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	agent, err := t.d.Identity.AgentByName(ctx, project.ID, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := t.d.Reservations.Grant(ctx, project.ID, agent.ID, p.Paths, p.Exclusive, p.Reason, p.TTLSeconds)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

// --- renew_file_reservations ---

type renewFileReservationsParams struct {
	ProjectKey     string   `json:"project_key"`
	Agent          string   `json:"agent"`
	IDs            []string `json:"ids,omitempty"`
	ExtendSeconds  int64    `json:"extend_seconds"`
}

type renewFileReservations struct{ d Deps }

func (t *renewFileReservations) Name() string { return "renew_file_reservations" }

func (t *renewFileReservations) Description() string {
	return "Extend the expiry of the caller's own active file reservations, optionally limited to an explicit id list."
}

func (t *renewFileReservations) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "ids": {"type": "array", "items": {"type": "string"}},
    "extend_seconds": {"type": "integer"}
  },
  "required": ["project_key", "agent", "extend_seconds"]
}`)
}

func (t *renewFileReservations) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p renewFileReservationsParams
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
	renewed, err := t.d.Reservations.Renew(ctx, project.ID, agent.ID, p.IDs, p.ExtendSeconds)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"renewed": len(renewed), "file_reservations": renewed})
}

// --- release_file_reservations ---

type releaseFileReservationsParams struct {
	ProjectKey string   `json:"project_key"`
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths,omitempty"`
}

type releaseFileReservations struct{ d Deps }

func (t *releaseFileReservations) Name() string { return "release_file_reservations" }

func (t *releaseFileReservations) Description() string {
	return "Release the caller's own file reservations, optionally limited to an explicit path list. Idempotent."
}

func (t *releaseFileReservations) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "paths": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["project_key", "agent"]
}`)
}

func (t *releaseFileReservations) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p releaseFileReservationsParams
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
	count, err := t.d.Reservations.Release(ctx, project.ID, agent.ID, p.Paths)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"released": count})
}

// --- force_release_file_reservation ---

type forceReleaseParams struct {
	ProjectKey    string `json:"project_key"`
	Agent         string `json:"agent"`
	ReservationID string `json:"reservation_id"`
}

type forceReleaseFileReservation struct{ d Deps }

func (t *forceReleaseFileReservation) Name() string { return "force_release_file_reservation" }

func (t *forceReleaseFileReservation) Description() string {
	return "Force-release another agent's file reservation once it has been inactive past the configured threshold and grace window."
}

func (t *forceReleaseFileReservation) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string", "description": "The agent performing the force-release, recorded in the audit note"},
    "reservation_id": {"type": "string"}
  },
  "required": ["project_key", "agent", "reservation_id"]
}`)
}

func (t *forceReleaseFileReservation) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p forceReleaseParams
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
	if err := t.d.Reservations.ForceRelease(ctx, project.ID, p.ReservationID, agent.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"reservation_id": p.ReservationID, "released": true})
}

// --- list_file_reservations ---

type listFileReservationsParams struct {
	ProjectKey string `json:"project_key"`
}

type listFileReservations struct{ d Deps }

func (t *listFileReservations) Name() string { return "list_file_reservations" }

func (t *listFileReservations) Description() string {
	return "List every active file reservation in a project."
}

func (t *listFileReservations) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"project_key": {"type": "string"}},
  "required": ["project_key"]
}`)
}

func (t *listFileReservations) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p listFileReservationsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	list, err := t.d.Reservations.List(ctx, project.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"project": project.Slug, "count": len(list), "reservations": list})
}
