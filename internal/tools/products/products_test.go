package products

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
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Deps     Deps
	Identity *identity.Service
	Project  *model.Project
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "products-tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arc, err := archive.New(t.TempDir())
	require.NoError(t, err)
	q := wbq.New(discardLogger(), 2*time.Second, 16)
	t.Cleanup(q.Close)
	c := cache.New()
	ident := identity.New(st)
	mailSvc := mail.New(st, ident, arc, c, q)
	productsSvc := products.New(st, c)
	buildSlots := products.NewBuildSlots(st, arc, c, nil)

	project, err := ident.EnsureProject(context.Background(), "/home/agent/repo")
	require.NoError(t, err)
	_, err = ident.RegisterAgent(context.Background(), project.ID, "p", "m", "GoldFox", "")
	require.NoError(t, err)

	return &testFixture{
		Deps: Deps{Identity: ident, Mail: mailSvc, Products: productsSvc, BuildSlots: buildSlots},
		Identity: ident, Project: project,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEnsureProductTool_GeneratesKeyWhenEmpty(t *testing.T) {
	f := newFixture(t)
	tool := &ensureProduct{f.Deps}
	require.Equal(t, "ensure_product", tool.Name())

	res, err := tool.Execute(context.Background(), mustJSON(t, ensureProductParams{Name: "shared-product"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "shared-product")
}

func TestEnsureProductTool_InvalidParamsYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &ensureProduct{f.Deps}
	res, err := tool.Execute(context.Background(), json.RawMessage(`not json`))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestProductsLinkTool_LinksProjectToProduct(t *testing.T) {
	f := newFixture(t)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)

	tool := &productsLink{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, productsLinkParams{
		ProductKey: product.ProductUID, ProjectKey: "home-agent-repo",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"linked": true`)
}

func TestProductsLinkTool_UnknownProductYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &productsLink{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, productsLinkParams{
		ProductKey: "no-such-product", ProjectKey: "home-agent-repo",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestFetchInboxProductTool_MergesAcrossLinkedProjects(t *testing.T) {
	f := newFixture(t)
	_, err := f.Identity.RegisterAgent(context.Background(), f.Project.ID, "p", "m", "SilverHawk", "")
	require.NoError(t, err)
	sender, err := f.Identity.AgentByName(context.Background(), f.Project.ID, "GoldFox")
	require.NoError(t, err)
	recipient, err := f.Identity.AgentByName(context.Background(), f.Project.ID, "SilverHawk")
	require.NoError(t, err)
	_, err = f.Deps.Mail.Send(context.Background(), mail.SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []mail.RecipientInput{{Name: recipient.Name}},
		Subject:    "status", BodyMD: "green",
	})
	require.NoError(t, err)

	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)
	require.NoError(t, f.Deps.Products.Link(context.Background(), product.ID, f.Project.ID))

	tool := &fetchInboxProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, fetchInboxProductParams{
		ProductKey: product.ProductUID, Agent: "SilverHawk",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"count": 1`)
}

func TestFetchInboxProductTool_RejectsNegativeLimit(t *testing.T) {
	f := newFixture(t)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)

	tool := &fetchInboxProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, fetchInboxProductParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", Limit: -1,
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestGetProductTool_IncludesLinkedProjectIDs(t *testing.T) {
	f := newFixture(t)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)
	require.NoError(t, f.Deps.Products.Link(context.Background(), product.ID, f.Project.ID))

	tool := &getProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, getProductParams{ProductKey: product.ProductUID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, "linked_project_ids")
}

func TestGetProductTool_NotFoundYieldsErrorResult(t *testing.T) {
	f := newFixture(t)
	tool := &getProduct{f.Deps}
	res, err := tool.Execute(context.Background(), mustJSON(t, getProductParams{ProductKey: "no-such-product"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestAcquireAndReleaseBuildSlotTools(t *testing.T) {
	f := newFixture(t)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)

	acquireTool := &acquireBuildSlot{f.Deps}
	res, err := acquireTool.Execute(context.Background(), mustJSON(t, buildSlotParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", ProjectKey: "home-agent-repo",
		Path: "/worktrees/a",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var claimed struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &claimed))

	listTool := &listBuildSlots{f.Deps}
	res, err = listTool.Execute(context.Background(), mustJSON(t, listBuildSlotsParams{ProductKey: product.ProductUID}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].Text, `"count": 1`)

	renewTool := &renewBuildSlot{f.Deps}
	res, err = renewTool.Execute(context.Background(), mustJSON(t, renewBuildSlotParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", ProjectKey: "home-agent-repo",
		ID: claimed.ID, ExtendSeconds: 600,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	releaseTool := &releaseBuildSlot{f.Deps}
	res, err = releaseTool.Execute(context.Background(), mustJSON(t, releaseBuildSlotParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", ProjectKey: "home-agent-repo", ID: claimed.ID,
	}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].Text, `"released": true`)
}

func TestAcquireBuildSlotTool_ConflictsWithDifferentAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.Identity.RegisterAgent(context.Background(), f.Project.ID, "p", "m", "SilverHawk", "")
	require.NoError(t, err)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)

	acquireTool := &acquireBuildSlot{f.Deps}
	_, err = acquireTool.Execute(context.Background(), mustJSON(t, buildSlotParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", ProjectKey: "home-agent-repo",
		Path: "/worktrees/a",
	}))
	require.NoError(t, err)

	res, err := acquireTool.Execute(context.Background(), mustJSON(t, buildSlotParams{
		ProductKey: product.ProductUID, Agent: "SilverHawk", ProjectKey: "home-agent-repo",
		Path: "/worktrees/a",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestRenewBuildSlotTool_NotFoundForUnknownID(t *testing.T) {
	f := newFixture(t)
	product, err := f.Deps.Products.EnsureProduct(context.Background(), "", "shared-product")
	require.NoError(t, err)

	renewTool := &renewBuildSlot{f.Deps}
	res, err := renewTool.Execute(context.Background(), mustJSON(t, renewBuildSlotParams{
		ProductKey: product.ProductUID, Agent: "GoldFox", ProjectKey: "home-agent-repo",
		ID: "does-not-exist", ExtendSeconds: 600,
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}
