package mail

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/mail"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Deps    Deps
	Project *model.Project
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mail-tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arc, err := archive.New(t.TempDir())
	require.NoError(t, err)
	q := wbq.New(discardLogger(), 2*time.Second, 16)
	t.Cleanup(q.Close)
	c := cache.New()
	ident := identity.New(st)
	mailSvc := mail.New(st, ident, arc, c, q)

	project, err := ident.EnsureProject(context.Background(), "/home/agent/repo")
	require.NoError(t, err)

	_, err = ident.RegisterAgent(context.Background(), project.ID, "p", "m", "GoldFox", "")
	require.NoError(t, err)
	_, err = ident.RegisterAgent(context.Background(), project.ID, "p", "m", "SilverHawk", "")
	require.NoError(t, err)

	return &testFixture{Deps: Deps{Mail: mailSvc, Identity: ident}, Project: project}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSendMessageTool_DeliversAndReturnsRecipientView(t *testing.T) {
	f := newFixture(t)
	tool := &sendMessage{f.Deps}
	require.Equal(t, "send_message", tool.Name())

	res, err := tool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk"}},
		Subject:    "status", BodyMD: "all green",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "SilverHawk")
}

func TestSendMessageTool_PolicyDeniedYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	project, err := f.Deps.Identity.ProjectBySlug(context.Background(), "home-agent-repo")
	require.NoError(t, err)
	recipient, err := f.Deps.Identity.AgentByName(context.Background(), project.ID, "SilverHawk")
	require.NoError(t, err)
	_, err = f.Deps.Identity.SetContactPolicy(context.Background(), recipient.ID, string(model.PolicyBlockAll))
	require.NoError(t, err)

	tool := &sendMessage{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk"}},
		Subject:    "status", BodyMD: "all green",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestReplyMessageTool_InheritsThread(t *testing.T) {
	f := newFixture(t)
	sendTool := &sendMessage{f.Deps}
	sendRes, err := sendTool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk"}},
		Subject:    "kickoff", BodyMD: "starting",
	}))
	require.NoError(t, err)
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sendRes.Content[0].Text), &sent))

	replyTool := &replyMessage{f.Deps}
	res, err := replyTool.Execute(context.Background(), mustJSON(t, replyMessageParams{
		ProjectKey: "home-agent-repo", Sender: "SilverHawk", ParentID: sent.ID,
		Recipients: []recipientParam{{Name: "GoldFox"}},
		BodyMD:     "ack",
	}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].Text, "subject")
}

func TestAcknowledgeAndMarkReadTools_AreIdempotent(t *testing.T) {
	f := newFixture(t)
	sendTool := &sendMessage{f.Deps}
	sendRes, err := sendTool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk"}},
		Subject:    "x", BodyMD: "y", AckRequired: true,
	}))
	require.NoError(t, err)
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sendRes.Content[0].Text), &sent))

	ackTool := &acknowledgeMessage{f.Deps}
	res, err := ackTool.Execute(context.Background(), mustJSON(t, ackParams{
		ProjectKey: "home-agent-repo", Agent: "SilverHawk", MessageID: sent.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	res, err = ackTool.Execute(context.Background(), mustJSON(t, ackParams{
		ProjectKey: "home-agent-repo", Agent: "SilverHawk", MessageID: sent.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	readTool := &markMessageRead{f.Deps}
	res, err = readTool.Execute(context.Background(), mustJSON(t, ackParams{
		ProjectKey: "home-agent-repo", Agent: "SilverHawk", MessageID: sent.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestFetchInboxTool_ReturnsMessagesForAgent(t *testing.T) {
	f := newFixture(t)
	sendTool := &sendMessage{f.Deps}
	_, err := sendTool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk"}},
		Subject:    "x", BodyMD: "y",
	}))
	require.NoError(t, err)

	tool := &fetchInbox{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, fetchInboxParams{
		ProjectKey: "home-agent-repo", Agent: "SilverHawk",
	}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].Text, `"count": 1`)
}

func TestGetMessageTool_DefaultsViewerToSender(t *testing.T) {
	f := newFixture(t)
	sendTool := &sendMessage{f.Deps}
	sendRes, err := sendTool.Execute(context.Background(), mustJSON(t, sendMessageParams{
		ProjectKey: "home-agent-repo", Sender: "GoldFox",
		Recipients: []recipientParam{{Name: "SilverHawk", Kind: "bcc"}},
		Subject:    "x", BodyMD: "y",
	}))
	require.NoError(t, err)
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sendRes.Content[0].Text), &sent))

	tool := &getMessage{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, getMessageParams{
		ProjectKey: "home-agent-repo", MessageID: sent.ID,
	}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].Text, "SilverHawk")
}

func TestGetMessageTool_NotFoundYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &getMessage{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, getMessageParams{
		ProjectKey: "home-agent-repo", MessageID: "does-not-exist",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}
