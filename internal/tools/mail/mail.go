// Package mail exposes the Mail service as MCP tools: send_message,
// reply_message, acknowledge_message, mark_message_read, fetch_inbox.
package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mail"
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/model"
)

// Deps bundles the collaborators the mail tools need.
type Deps struct {
	Mail     *mail.Service
	Identity *identity.Service
}

// Register wires every mail tool into reg.
func Register(reg *mcp.Registry, d Deps) {
	reg.Register(&sendMessage{d})
	reg.Register(&replyMessage{d})
	reg.Register(&acknowledgeMessage{d})
	reg.Register(&markMessageRead{d})
	reg.Register(&fetchInbox{d})
	reg.Register(&getMessage{d})
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

type recipientParam struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"` // to|cc|bcc, default to
}

func toRecipientInputs(raw []recipientParam) []mail.RecipientInput {
	out := make([]mail.RecipientInput, 0, len(raw))
	for _, r := range raw {
		kind := model.RecipientKind(r.Kind)
		if kind == "" {
			kind = model.RecipientTo
		}
		out = append(out, mail.RecipientInput{Name: r.Name, Kind: kind})
	}
	return out
}

func sendResultJSON(senderAgentID int64, d Deps, ctx context.Context, res *mail.SendResult) (map[string]any, error) {
	to, cc, bcc, err := d.Mail.RecipientsView(ctx, res.Message.ID, senderAgentID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"id":           res.Message.ID,
		"thread_id":    res.Message.ThreadID,
		"subject":      res.Message.Subject,
		"importance":   res.Message.Importance,
		"ack_required": res.Message.AckRequired,
		"created_ts":   res.Message.CreatedTS,
		"to":           to,
		"cc":           cc,
		"bcc":          bcc,
	}
	if res.Advisory != "" {
		out["advisories"] = res.Advisory
	}
	return out, nil
}

// --- send_message ---

type sendMessageParams struct {
	ProjectKey  string           `json:"project_key"`
	Sender      string           `json:"sender"`
	Recipients  []recipientParam `json:"recipients"`
	Subject     string           `json:"subject"`
	BodyMD      string           `json:"body_md"`
	Importance  string           `json:"importance,omitempty"`
	AckRequired bool             `json:"ack_required,omitempty"`
	Attachments []string         `json:"attachments,omitempty"`
	Force       bool             `json:"force,omitempty"`
}

type sendMessage struct{ d Deps }

func (t *sendMessage) Name() string { return "send_message" }

func (t *sendMessage) Description() string {
	return "Send a Markdown message to one or more recipients and persist canonical and mailbox copies to Git."
}

func (t *sendMessage) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "sender": {"type": "string"},
    "recipients": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "kind": {"type": "string", "enum": ["to", "cc", "bcc"]}
        },
        "required": ["name"]
      }
    },
    "subject": {"type": "string"},
    "body_md": {"type": "string"},
    "importance": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "ack_required": {"type": "boolean"},
    "attachments": {"type": "array", "items": {"type": "string"}},
    "force": {"type": "boolean", "description": "Override soft-block guard results; advisory warnings are still reported"}
  },
  "required": ["project_key", "sender", "recipients", "subject", "body_md"]
}`)
}

func (t *sendMessage) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p sendMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	sender, err := t.d.Identity.AgentByName(ctx, project.ID, p.Sender)
	if err != nil {
		return errorResult(err), nil
	}

	res, err := t.d.Mail.Send(ctx, mail.SendParams{
		ProjectID:   project.ID,
		SenderID:    sender.ID,
		Recipients:  toRecipientInputs(p.Recipients),
		Subject:     p.Subject,
		BodyMD:      p.BodyMD,
		Importance:  p.Importance,
		AckRequired: p.AckRequired,
		Attachments: p.Attachments,
		Force:       p.Force,
	})
	if err != nil {
		return errorResult(err), nil
	}
	out, err := sendResultJSON(sender.ID, t.d, ctx, res)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

// --- reply_message ---

type replyMessageParams struct {
	ProjectKey  string           `json:"project_key"`
	Sender      string           `json:"sender"`
	ParentID    string           `json:"parent_id"`
	Recipients  []recipientParam `json:"recipients"`
	BodyMD      string           `json:"body_md"`
	Importance  string           `json:"importance,omitempty"`
	AckRequired bool             `json:"ack_required,omitempty"`
	Attachments []string         `json:"attachments,omitempty"`
	Force       bool             `json:"force,omitempty"`
}

type replyMessage struct{ d Deps }

func (t *replyMessage) Name() string { return "reply_message" }

func (t *replyMessage) Description() string {
	return "Reply to an existing message, inheriting its thread and applying the Re: subject prefix exactly once."
}

func (t *replyMessage) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "sender": {"type": "string"},
    "parent_id": {"type": "string"},
    "recipients": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "kind": {"type": "string", "enum": ["to", "cc", "bcc"]}
        },
        "required": ["name"]
      }
    },
    "body_md": {"type": "string"},
    "importance": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "ack_required": {"type": "boolean"},
    "attachments": {"type": "array", "items": {"type": "string"}},
    "force": {"type": "boolean"}
  },
  "required": ["project_key", "sender", "parent_id", "recipients", "body_md"]
}`)
}

func (t *replyMessage) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p replyMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	sender, err := t.d.Identity.AgentByName(ctx, project.ID, p.Sender)
	if err != nil {
		return errorResult(err), nil
	}

	res, err := t.d.Mail.Reply(ctx, p.ParentID, mail.SendParams{
		ProjectID:   project.ID,
		SenderID:    sender.ID,
		Recipients:  toRecipientInputs(p.Recipients),
		BodyMD:      p.BodyMD,
		Importance:  p.Importance,
		AckRequired: p.AckRequired,
		Attachments: p.Attachments,
		Force:       p.Force,
	})
	if err != nil {
		return errorResult(err), nil
	}
	out, err := sendResultJSON(sender.ID, t.d, ctx, res)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

// --- acknowledge_message ---

type ackParams struct {
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent"`
	MessageID  string `json:"message_id"`
}

type acknowledgeMessage struct{ d Deps }

func (t *acknowledgeMessage) Name() string { return "acknowledge_message" }

func (t *acknowledgeMessage) Description() string {
	return "Acknowledge a message on behalf of an agent. Idempotent: acknowledging twice leaves state unchanged."
}

func (t *acknowledgeMessage) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "message_id": {"type": "string"}
  },
  "required": ["project_key", "agent", "message_id"]
}`)
}

func (t *acknowledgeMessage) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ackParams
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
	if err := t.d.Mail.Acknowledge(ctx, p.MessageID, agent.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"message_id": p.MessageID, "acknowledged": true})
}

// --- mark_message_read ---

type markMessageRead struct{ d Deps }

func (t *markMessageRead) Name() string { return "mark_message_read" }

func (t *markMessageRead) Description() string {
	return "Mark a message as read on behalf of an agent. Idempotent."
}

func (t *markMessageRead) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "message_id": {"type": "string"}
  },
  "required": ["project_key", "agent", "message_id"]
}`)
}

func (t *markMessageRead) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ackParams
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
	if err := t.d.Mail.MarkRead(ctx, p.MessageID, agent.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"message_id": p.MessageID, "read": true})
}

// --- fetch_inbox ---

type fetchInboxParams struct {
	ProjectKey     string `json:"project_key"`
	Agent          string `json:"agent"`
	Limit          int    `json:"limit,omitempty"`
	IncludeBodies  bool   `json:"include_bodies,omitempty"`
}

type fetchInbox struct{ d Deps }

func (t *fetchInbox) Name() string { return "fetch_inbox" }

func (t *fetchInbox) Description() string {
	return "Retrieve recent messages for an agent without mutating any read/ack state."
}

func (t *fetchInbox) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "agent": {"type": "string"},
    "limit": {"type": "integer"},
    "include_bodies": {"type": "boolean"}
  },
  "required": ["project_key", "agent"]
}`)
}

func (t *fetchInbox) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p fetchInboxParams
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
	rows, err := t.d.Mail.FetchInbox(ctx, project.ID, agent.ID, p.Limit, p.IncludeBodies)
	if err != nil {
		return errorResult(err), nil
	}
	items := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		items = append(items, map[string]any{
			"id":         r.Message.ID,
			"thread_id":  r.Message.ThreadID,
			"subject":    r.Message.Subject,
			"body_md":    r.Message.BodyMD,
			"importance": r.Message.Importance,
			"from":       r.SenderName,
			"kind":       r.Kind,
			"read_ts":    r.ReadTS,
			"ack_ts":     r.AckTS,
			"created_ts": r.Message.CreatedTS,
		})
	}
	return jsonResult(map[string]any{"agent": agent.Name, "count": len(items), "messages": items})
}

// --- get_message ---

type getMessageParams struct {
	ProjectKey string `json:"project_key"`
	MessageID  string `json:"message_id"`
	Viewer     string `json:"viewer,omitempty"`
}

type getMessage struct{ d Deps }

func (t *getMessage) Name() string { return "get_message" }

func (t *getMessage) Description() string {
	return "Fetch one message by id with its recipient view, without mutating any read/ack state."
}

func (t *getMessage) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_key": {"type": "string"},
    "message_id": {"type": "string"},
    "viewer": {"type": "string", "description": "Agent name whose BCC visibility applies; defaults to the sender"}
  },
  "required": ["project_key", "message_id"]
}`)
}

func (t *getMessage) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p getMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	project, err := t.d.Identity.ProjectBySlug(ctx, p.ProjectKey)
	if err != nil {
		return errorResult(err), nil
	}
	msg, err := t.d.Mail.GetMessage(ctx, project.ID, p.MessageID)
	if err != nil {
		return errorResult(err), nil
	}
	viewerID := msg.SenderID
	if p.Viewer != "" {
		viewer, err := t.d.Identity.AgentByName(ctx, project.ID, p.Viewer)
		if err != nil {
			return errorResult(err), nil
		}
		viewerID = viewer.ID
	}
	to, cc, bcc, err := t.d.Mail.RecipientsView(ctx, msg.ID, viewerID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id": msg.ID, "thread_id": msg.ThreadID, "subject": msg.Subject, "body_md": msg.BodyMD,
		"importance": msg.Importance, "ack_required": msg.AckRequired, "created_ts": msg.CreatedTS,
		"to": to, "cc": cc, "bcc": bcc,
	})
}
