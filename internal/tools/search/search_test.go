package search

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
	"github.com/mail-mcp/mailmcpd/internal/products"
	"github.com/mail-mcp/mailmcpd/internal/search"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Deps     Deps
	Mail     *mail.Service
	Identity *identity.Service
	Project  *model.Project
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "search-tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arc, err := archive.New(t.TempDir())
	require.NoError(t, err)
	q := wbq.New(discardLogger(), 2*time.Second, 16)
	t.Cleanup(q.Close)
	c := cache.New()
	ident := identity.New(st)
	mailSvc := mail.New(st, ident, arc, c, q)
	searchSvc := search.New(st)
	productsSvc := products.New(st, c)

	project, err := ident.EnsureProject(context.Background(), "/home/agent/repo")
	require.NoError(t, err)
	_, err = ident.RegisterAgent(context.Background(), project.ID, "p", "m", "GoldFox", "")
	require.NoError(t, err)
	_, err = ident.RegisterAgent(context.Background(), project.ID, "p", "m", "SilverHawk", "")
	require.NoError(t, err)

	return &testFixture{
		Deps:     Deps{Store: st, Identity: ident, Search: searchSvc, Products: productsSvc},
		Mail:     mailSvc, Identity: ident, Project: project,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (f *testFixture) send(t *testing.T, subject, body string) *mail.SendResult {
	t.Helper()
	sender, err := f.Identity.AgentByName(context.Background(), f.Project.ID, "GoldFox")
	require.NoError(t, err)
	recipient, err := f.Identity.AgentByName(context.Background(), f.Project.ID, "SilverHawk")
	require.NoError(t, err)
	res, err := f.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    subject, BodyMD: body,
	})
	require.NoError(t, err)
	return res
}

func TestSearchMessagesTool_FindsMatch(t *testing.T) {
	f := newFixture(t)
	f.send(t, "deployment plan", "rolling out the new release")

	tool := &searchMessages{f.Deps}
	require.Equal(t, "search_messages", tool.Name())

	res, err := tool.Execute(context.Background(), mustJSON(t, searchMessagesParams{
		ProjectKey: "home-agent-repo", Query: "deployment",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"count": 1`)
}

func TestSearchMessagesTool_UnknownProjectYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &searchMessages{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, searchMessagesParams{
		ProjectKey: "no-such-project", Query: "x",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestSearchMessagesProductTool_SpansLinkedProjects(t *testing.T) {
	f := newFixture(t)
	f.send(t, "status update", "everything is green")

	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)
	require.NoError(t, f.Deps.Products.Link(context.Background(), product.ID, f.Project.ID))

	tool := &searchMessagesProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, searchMessagesProductParams{
		ProductKey: product.ProductUID, Query: "status",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"count": 1`)
}

func TestSearchMessagesProductTool_UnknownProductYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &searchMessagesProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, searchMessagesProductParams{
		ProductKey: "no-such-product", Query: "x",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestSummarizeThreadTool_OrdersMessagesOldestFirst(t *testing.T) {
	f := newFixture(t)
	sent := f.send(t, "kickoff", "starting work")

	tool := &summarizeThread{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, summarizeThreadParams{
		ProjectKey: "home-agent-repo", ThreadID: sent.Message.ThreadID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"message_count": 1`)
}

func TestSummarizeThreadTool_NotFoundYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &summarizeThread{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, summarizeThreadParams{
		ProjectKey: "home-agent-repo", ThreadID: "does-not-exist",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestSummarizeThreadProductTool_SpansLinkedProjects(t *testing.T) {
	f := newFixture(t)
	sent := f.send(t, "kickoff", "starting work")

	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)
	require.NoError(t, f.Deps.Products.Link(context.Background(), product.ID, f.Project.ID))

	tool := &summarizeThreadProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, summarizeThreadProductParams{
		ProductKey: product.ProductUID, ThreadID: sent.Message.ThreadID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"message_count": 1`)
}
