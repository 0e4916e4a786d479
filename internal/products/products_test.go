package products

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

func newTestService(t *testing.T) (*Service, *identity.Service) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "products.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, cache.New()), identity.New(st)
}

func TestEnsureProduct_GeneratesUIDWhenEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.EnsureProduct(context.Background(), "", "My Product")
	require.NoError(t, err)
	require.NotEmpty(t, p.ProductUID)
	require.Equal(t, "My Product", p.Name)
}

func TestEnsureProduct_IdempotentByUID(t *testing.T) {
	svc, _ := newTestService(t)
	p1, err := svc.EnsureProduct(context.Background(), "my-uid", "first name")
	require.NoError(t, err)
	p2, err := svc.EnsureProduct(context.Background(), "my-uid", "second name")
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)
	require.Equal(t, "first name", p2.Name)
}

func TestLinkAndProjectIDs(t *testing.T) {
	svc, ident := newTestService(t)
	ctx := context.Background()
	p, err := svc.EnsureProduct(ctx, "uid-1", "product")
	require.NoError(t, err)

	proj1, err := ident.EnsureProject(ctx, "/home/a/repo")
	require.NoError(t, err)
	proj2, err := ident.EnsureProject(ctx, "/home/b/repo")
	require.NoError(t, err)

	require.NoError(t, svc.Link(ctx, p.ID, proj1.ID))
	require.NoError(t, svc.Link(ctx, p.ID, proj2.ID))
	require.NoError(t, svc.Link(ctx, p.ID, proj1.ID)) // idempotent

	ids, err := svc.ProjectIDs(ctx, p.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{proj1.ID, proj2.ID}, ids)
}

func TestByUID_NotFoundForUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ByUID(context.Background(), "no-such-uid")
	require.Error(t, err)
	require.True(t, errs.As(err, errs.NotFound))
}

func newBuildSlotsFixture(t *testing.T) *BuildSlots {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "buildslots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	arc, err := archive.New(t.TempDir())
	require.NoError(t, err)
	return NewBuildSlots(st, arc, cache.New(), nil)
}

func TestBuildSlots_ClaimThenConflict(t *testing.T) {
	bs := newBuildSlotsFixture(t)
	ctx := context.Background()

	slot, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 300)
	require.NoError(t, err)
	require.Equal(t, "/worktrees/feature-a", slot.Path)

	_, err = bs.Claim(ctx, 1, 20, "/worktrees/feature-a", 300)
	require.Error(t, err)
	require.True(t, errs.As(err, errs.Conflict))
}

func TestBuildSlots_SameAgentReclaimsOwnSlot(t *testing.T) {
	bs := newBuildSlotsFixture(t)
	ctx := context.Background()

	_, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 300)
	require.NoError(t, err)

	slot2, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 300)
	require.NoError(t, err)
	require.Equal(t, "/worktrees/feature-a", slot2.Path)
}

func TestBuildSlots_ReleaseThenReclaimable(t *testing.T) {
	bs := newBuildSlotsFixture(t)
	ctx := context.Background()

	slot, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 300)
	require.NoError(t, err)

	require.NoError(t, bs.Release(ctx, 1, 10, slot.ID))

	_, err = bs.Claim(ctx, 1, 20, "/worktrees/feature-a", 300)
	require.NoError(t, err)
}

func TestBuildSlots_ReleaseNotFoundForWrongAgentOrID(t *testing.T) {
	bs := newBuildSlotsFixture(t)
	ctx := context.Background()

	slot, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 300)
	require.NoError(t, err)

	err = bs.Release(ctx, 1, 99, slot.ID)
	require.Error(t, err)
	require.True(t, errs.As(err, errs.NotFound))

	err = bs.Release(ctx, 1, 10, "does-not-exist")
	require.Error(t, err)
	require.True(t, errs.As(err, errs.NotFound))
}

func TestBuildSlots_ListExcludesReleasedAndExpired(t *testing.T) {
	bs := newBuildSlotsFixture(t)
	ctx := context.Background()

	slot, err := bs.Claim(ctx, 1, 10, "/worktrees/feature-a", 60)
	require.NoError(t, err)
	_, err = bs.Claim(ctx, 1, 20, "/worktrees/feature-b", 60)
	require.NoError(t, err)

	require.NoError(t, bs.Release(ctx, 1, 10, slot.ID))

	active, err := bs.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "/worktrees/feature-b", active[0].Path)
}

func TestWorktreesEnabled(t *testing.T) {
	t.Setenv("WORKTREES_ENABLED", "")
	require.False(t, WorktreesEnabled())

	t.Setenv("WORKTREES_ENABLED", "true")
	require.True(t, WorktreesEnabled())

	t.Setenv("WORKTREES_ENABLED", "1")
	require.True(t, WorktreesEnabled())
}
