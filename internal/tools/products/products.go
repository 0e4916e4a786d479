// Package products exposes the Products service (and its build-slot
// sibling) as MCP tools: ensure_product, products_link,
// fetch_inbox_product, and the WORKTREES_ENABLED-gated
// acquire_build_slot / renew_build_slot / release_build_slot.
package products

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mail"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/products"
)

// Deps bundles the collaborators the product tools need.
type Deps struct {
	Identity   *identity.Service
	Mail       *mail.Service
	Products   *products.Service
	BuildSlots *products.BuildSlots
}

// Register wires every product tool into reg. Build-slot tools are only
// registered when WORKTREES_ENABLED is set: an unset/false flag means no
// phantom slots should ever be created, which is satisfied here by simply
// not exposing the tools rather than exposing a dead-on-arrival one.
func Register(reg *mcp.Registry, d Deps) {
	reg.Register(&ensureProduct{d})
	reg.Register(&productsLink{d})
	reg.Register(&fetchInboxProduct{d})
	reg.Register(&getProduct{d})
	if products.WorktreesEnabled() {
		reg.Register(&acquireBuildSlot{d})
		reg.Register(&renewBuildSlot{d})
		reg.Register(&releaseBuildSlot{d})
		reg.Register(&listBuildSlots{d})
	}
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

// --- ensure_product ---

type ensureProductParams struct {
	ProductKey string `json:"product_key,omitempty"`
	Name       string `json:"name"`
}

type ensureProduct struct{ d Deps }

func (t *ensureProduct) Name() string { return "ensure_product" }

func (t *ensureProduct) Description() string {
	return "Idempotently create or ensure a cross-project product exists, generating an opaque product_key when none is supplied."
}

func (t *ensureProduct) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string", "description": "Opaque caller-supplied key; generated if omitted"},
    "name": {"type": "string"}
  },
  "required": ["name"]
}`)
}

func (t *ensureProduct) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ensureProductParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.EnsureProduct(ctx, p.ProductKey, p.Name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id":          product.ID,
		"product_key": product.ProductUID,
		"name":        product.Name,
	})
}

// --- products_link ---

type productsLinkParams struct {
	ProductKey string `json:"product_key"`
	ProjectKey string `json:"project_key"`
}

type productsLink struct{ d Deps }

func (t *productsLink) Name() string { return "products_link" }

func (t *productsLink) Description() string {
	return "Link a project to a product so it participates in cross-project search and inbox aggregation."
}

func (t *productsLink) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "project_key": {"type": "string"}
  },
  "required": ["product_key", "project_key"]
}`)
}

func (t *productsLink) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p productsLinkParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	if err := t.d.Products.Link(ctx, product.ID, project.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"product_key": product.ProductUID, "project": project.Slug, "linked": true})
}

// --- fetch_inbox_product ---

type fetchInboxProductParams struct {
	ProductKey    string `json:"product_key"`
	Agent         string `json:"agent"`
	Limit         int    `json:"limit,omitempty"`
	IncludeBodies bool   `json:"include_bodies,omitempty"`
}

type fetchInboxProduct struct{ d Deps }

func (t *fetchInboxProduct) Name() string { return "fetch_inbox_product" }

func (t *fetchInboxProduct) Description() string {
	return "Retrieve recent messages for an agent's name across every project linked to a product, merged newest first."
}

func (t *fetchInboxProduct) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "agent": {"type": "string"},
    "limit": {"type": "integer"},
    "include_bodies": {"type": "boolean"}
  },
  "required": ["product_key", "agent"]
}`)
}

func (t *fetchInboxProduct) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p fetchInboxProductParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.Limit < 0 {
		return mcp.ErrorResult("limit must not be negative"), nil
	}
	limit := p.Limit
	if limit == 0 {
		limit = 50
	}

	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	projectIDs, err := t.d.Products.ProjectIDs(ctx, product.ID)
	if err != nil {
		return errorResult(err), nil
	}

	type row struct {
		ID, ThreadID, Subject, BodyMD, From string
		Importance                          string
		CreatedTS                           int64
		ProjectID                           int64
	}
	var merged []row

	for _, projectID := range projectIDs {
		agent, err := t.d.Identity.AgentByName(ctx, projectID, p.Agent)
		if err != nil {
			continue // agent has no identity in this project; skip, not an error
		}
		rows, err := t.d.Mail.FetchInbox(ctx, projectID, agent.ID, limit, p.IncludeBodies)
		if err != nil {
			return errorResult(err), nil
		}
		for _, r := range rows {
			merged = append(merged, row{
				ID: r.Message.ID, ThreadID: r.Message.ThreadID, Subject: r.Message.Subject,
				BodyMD: r.Message.BodyMD, From: r.SenderName, Importance: string(r.Message.Importance),
				CreatedTS: r.Message.CreatedTS, ProjectID: r.Message.ProjectID,
			})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedTS > merged[j].CreatedTS })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	items := make([]map[string]any, 0, len(merged))
	for _, r := range merged {
		items = append(items, map[string]any{
			"id": r.ID, "thread_id": r.ThreadID, "subject": r.Subject, "body_md": r.BodyMD,
			"from": r.From, "importance": r.Importance, "created_ts": r.CreatedTS, "project_id": r.ProjectID,
		})
	}
	return jsonResult(map[string]any{"agent": p.Agent, "count": len(items), "messages": items})
}

// --- get_product ---

type getProductParams struct {
	ProductKey string `json:"product_key"`
}

type getProduct struct{ d Deps }

func (t *getProduct) Name() string { return "get_product" }

func (t *getProduct) Description() string {
	return "Look up one product by its opaque key, including its linked project slugs."
}

func (t *getProduct) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"product_key": {"type": "string"}},
  "required": ["product_key"]
}`)
}

func (t *getProduct) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p getProductParams
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
	return jsonResult(map[string]any{
		"id": product.ID, "product_key": product.ProductUID, "name": product.Name,
		"linked_project_ids": projectIDs,
	})
}

// --- list_build_slots ---

type listBuildSlotsParams struct {
	ProductKey string `json:"product_key"`
}

type listBuildSlots struct{ d Deps }

func (t *listBuildSlots) Name() string { return "list_build_slots" }

func (t *listBuildSlots) Description() string {
	return "List every active build slot held within a product."
}

func (t *listBuildSlots) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"product_key": {"type": "string"}},
  "required": ["product_key"]
}`)
}

func (t *listBuildSlots) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p listBuildSlotsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	slots, err := t.d.BuildSlots.List(ctx, product.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"product_key": product.ProductUID, "count": len(slots), "slots": slots})
}

// --- acquire_build_slot ---

type buildSlotParams struct {
	ProductKey string `json:"product_key"`
	Agent      string `json:"agent"`
	ProjectKey string `json:"project_key"`
	Path       string `json:"path"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (t Deps) resolveAgentID(ctx context.Context, projectKey, agentName string) (int64, error) {
	project, err := t.Identity.ProjectBySlug(ctx, projectKey)
	if err != nil {
		return 0, err
	}
	agent, err := t.Identity.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return 0, err
	}
	return agent.ID, nil
}

type acquireBuildSlot struct{ d Deps }

func (t *acquireBuildSlot) Name() string { return "acquire_build_slot" }

func (t *acquireBuildSlot) Description() string {
	return "Claim a product-scoped build slot on a worktree path, the cross-project analogue of a file reservation."
}

func (t *acquireBuildSlot) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "agent": {"type": "string"},
    "project_key": {"type": "string", "description": "Project the agent identity belongs to"},
    "path": {"type": "string"},
    "ttl_seconds": {"type": "integer"}
  },
  "required": ["product_key", "agent", "project_key", "path"]
}`)
}

func (t *acquireBuildSlot) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p buildSlotParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	agentID, err := t.d.resolveAgentID(ctx, p.ProjectKey, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	slot, err := t.d.BuildSlots.Claim(ctx, product.ID, agentID, p.Path, p.TTLSeconds)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id": slot.ID, "path": slot.Path, "expires_ts": slot.ExpiresTS,
	})
}

// --- renew_build_slot ---

type renewBuildSlotParams struct {
	ProductKey    string `json:"product_key"`
	Agent         string `json:"agent"`
	ProjectKey    string `json:"project_key"`
	ID            string `json:"id"`
	ExtendSeconds int64  `json:"extend_seconds"`
}

type renewBuildSlot struct{ d Deps }

func (t *renewBuildSlot) Name() string { return "renew_build_slot" }

func (t *renewBuildSlot) Description() string {
	return "Renew a build slot the caller already holds by re-claiming it with a fresh TTL."
}

func (t *renewBuildSlot) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "agent": {"type": "string"},
    "project_key": {"type": "string"},
    "id": {"type": "string"},
    "extend_seconds": {"type": "integer"}
  },
  "required": ["product_key", "agent", "project_key", "id", "extend_seconds"]
}`)
}

func (t *renewBuildSlot) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p renewBuildSlotParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	agentID, err := t.d.resolveAgentID(ctx, p.ProjectKey, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	slots, err := t.d.BuildSlots.List(ctx, product.ID)
	if err != nil {
		return errorResult(err), nil
	}
	var path string
	found := false
	for _, s := range slots {
		if s.ID == p.ID {
			path, found = s.Path, true
			break
		}
	}
	if !found {
		return errorResult(errs.NotFoundf("build slot %q", p.ID)), nil
	}
	slot, err := t.d.BuildSlots.Claim(ctx, product.ID, agentID, path, p.ExtendSeconds)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"id": slot.ID, "path": slot.Path, "expires_ts": slot.ExpiresTS})
}

// --- release_build_slot ---

type releaseBuildSlotParams struct {
	ProductKey string `json:"product_key"`
	Agent      string `json:"agent"`
	ProjectKey string `json:"project_key"`
	ID         string `json:"id"`
}

type releaseBuildSlot struct{ d Deps }

func (t *releaseBuildSlot) Name() string { return "release_build_slot" }

func (t *releaseBuildSlot) Description() string {
	return "Release a build slot held by the caller."
}

func (t *releaseBuildSlot) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "product_key": {"type": "string"},
    "agent": {"type": "string"},
    "project_key": {"type": "string"},
    "id": {"type": "string"}
  },
  "required": ["product_key", "agent", "project_key", "id"]
}`)
}

func (t *releaseBuildSlot) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p releaseBuildSlotParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	product, err := t.d.Products.ByUID(ctx, p.ProductKey)
	if err != nil {
		return errorResult(err), nil
	}
	agentID, err := t.d.resolveAgentID(ctx, p.ProjectKey, p.Agent)
	if err != nil {
		return errorResult(err), nil
	}
	if err := t.d.BuildSlots.Release(ctx, product.ID, agentID, p.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"id": p.ID, "released": true})
}
