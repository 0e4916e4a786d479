package resources

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
	"github.com/mail-mcp/mailmcpd/internal/mcp"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Deps     Deps
	Identity *identity.Service
	Mail     *mail.Service
	Project  *model.Project
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "resources.db"))
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

	return &testFixture{
		Deps:     Deps{Store: st, Mail: mailSvc, Archive: arc},
		Identity: ident, Mail: mailSvc, Project: project,
	}
}

func (f *testFixture) registerAgent(t *testing.T, name string) *model.Agent {
	t.Helper()
	a, err := f.Identity.RegisterAgent(context.Background(), f.Project.ID, "tester", "model", name, "")
	require.NoError(t, err)
	return a
}

func decode(t *testing.T, res *mcp.ResourcesReadResult, v any) {
	t.Helper()
	require.Len(t, res.Contents, 1)
	require.Equal(t, "application/json", res.Contents[0].MimeType)
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), v))
}

func TestProjectsResource_MatchesAndLists(t *testing.T) {
	f := newFixture(t)
	r := &projectsResource{f.Deps}
	require.True(t, r.Matches("resource://projects"))
	require.False(t, r.Matches("resource://project/x"))

	res, err := r.Read("resource://projects")
	require.NoError(t, err)
	var projects []model.Project
	decode(t, res, &projects)
	require.Len(t, projects, 1)
	require.Equal(t, "home-agent-repo", projects[0].Slug)
}

func TestProjectResource_ReadBySlug(t *testing.T) {
	f := newFixture(t)
	r := &projectResource{f.Deps}
	require.True(t, r.Matches("resource://project/home-agent-repo"))

	res, err := r.Read("resource://project/home-agent-repo")
	require.NoError(t, err)
	var p model.Project
	decode(t, res, &p)
	require.Equal(t, f.Project.ID, p.ID)
}

func TestProjectResource_NotFoundForUnknownSlug(t *testing.T) {
	f := newFixture(t)
	r := &projectResource{f.Deps}
	_, err := r.Read("resource://project/does-not-exist")
	require.Error(t, err)
}

func TestAgentsResource_ReturnsEmptyForMissingProject(t *testing.T) {
	f := newFixture(t)
	r := &agentsResource{f.Deps}

	res, err := r.Read("resource://agents/no-such-project")
	require.NoError(t, err)
	var agents []model.Agent
	decode(t, res, &agents)
	require.Empty(t, agents)
}

func TestAgentsResource_ListsRegisteredAgents(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "GoldFox")
	f.registerAgent(t, "SilverHawk")

	r := &agentsResource{f.Deps}
	res, err := r.Read("resource://agents/home-agent-repo")
	require.NoError(t, err)
	var agents []model.Agent
	decode(t, res, &agents)
	require.Len(t, agents, 2)
}

func TestMailboxResource_RequiresProjectQueryParam(t *testing.T) {
	f := newFixture(t)
	r := &mailboxResource{f.Deps, false}
	require.True(t, r.Matches("resource://mailbox/GoldFox"))

	_, err := r.Read("resource://mailbox/GoldFox")
	require.Error(t, err)
}

func TestMailboxResource_ListsReceivedMessages(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	_, err := f.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    "hi", BodyMD: "hello",
	})
	require.NoError(t, err)

	r := &mailboxResource{f.Deps, false}
	res, err := r.Read("resource://mailbox/SilverHawk?project=home-agent-repo")
	require.NoError(t, err)
	var view mailboxView
	decode(t, res, &view)
	require.Equal(t, 1, view.Count)
	require.Equal(t, "hi", view.Messages[0].Subject)
}

func TestOutboxResource_OmitsBodyUnlessRequested(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")
	_, err := f.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    "hi", BodyMD: "secret body",
	})
	require.NoError(t, err)

	r := &outboxResource{f.Deps}
	res, err := r.Read("resource://outbox/GoldFox?project=home-agent-repo")
	require.NoError(t, err)
	var msgs []model.Message
	decode(t, res, &msgs)
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].BodyMD)

	res, err = r.Read("resource://outbox/GoldFox?project=home-agent-repo&include_bodies=true")
	require.NoError(t, err)
	decode(t, res, &msgs)
	require.Equal(t, "secret body", msgs[0].BodyMD)
}

func TestThreadResource_ScopesToThreadAndProject(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")
	sent, err := f.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    "kickoff", BodyMD: "starting",
	})
	require.NoError(t, err)

	r := &threadResource{f.Deps}
	res, err := r.Read("resource://thread/" + sent.Message.ThreadID + "?project=home-agent-repo")
	require.NoError(t, err)
	var msgs []model.Message
	decode(t, res, &msgs)
	require.Len(t, msgs, 1)
}

func TestMessageResource_ReadIncludesRecipientView(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")
	sent, err := f.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    "hi", BodyMD: "hello",
	})
	require.NoError(t, err)

	r := &messageResource{f.Deps}
	res, err := r.Read("resource://message/" + sent.Message.ID)
	require.NoError(t, err)
	var view messageView
	decode(t, res, &view)
	require.Equal(t, []string{"SilverHawk"}, view.To)
}

func TestMessageResource_NotFoundForUnknownID(t *testing.T) {
	f := newFixture(t)
	r := &messageResource{f.Deps}
	_, err := r.Read("resource://message/does-not-exist")
	require.Error(t, err)
}

func TestToolingDirectoryResource_ListsSevenClusters(t *testing.T) {
	r := &toolingDirectoryResource{}
	require.True(t, r.Matches("resource://tooling/directory"))

	res, err := r.Read("resource://tooling/directory")
	require.NoError(t, err)
	var payload struct {
		Clusters []map[string]string `json:"clusters"`
	}
	decode(t, res, &payload)
	require.Len(t, payload.Clusters, 7)
}

func TestToolingSchemasResource_ReflectsRegistry(t *testing.T) {
	reg := mcp.NewRegistry()
	r := &toolingSchemasResource{reg}
	require.True(t, r.Matches("resource://tooling/schemas"))

	res, err := r.Read("resource://tooling/schemas")
	require.NoError(t, err)
	var payload struct {
		Tools []mcp.ToolDefinition `json:"tools"`
	}
	decode(t, res, &payload)
	require.Empty(t, payload.Tools)
}

func TestSplitURI_ParsesPathAndQuery(t *testing.T) {
	segs, q := splitURI("resource://mailbox/GoldFox?project=home-agent-repo&include_bodies=true")
	require.Equal(t, []string{"mailbox", "GoldFox"}, segs)
	require.Equal(t, "home-agent-repo", q.Get("project"))
	require.Equal(t, "true", q.Get("include_bodies"))
}
