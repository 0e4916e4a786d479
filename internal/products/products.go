// Package products implements cross-project grouping: products link
// multiple projects together so agents working in different repos/worktrees
// of the same logical product can be searched and reached as a unit.
// Supplements the distilled spec with product-scoped build slots, the
// cross-project analogue of a file reservation, gated behind
// WORKTREES_ENABLED since not every deployment uses worktrees.
package products

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

// Service implements Products operations.
type Service struct {
	store *store.Store
	cache *cache.Cache
	now   func() int64
}

// New creates a Products service.
func New(st *store.Store, c *cache.Cache) *Service {
	return &Service{store: st, cache: c, now: func() int64 { return time.Now().UnixMicro() }}
}

// WorktreesEnabled reports whether build-slot tools should be registered.
func WorktreesEnabled() bool {
	v := os.Getenv("WORKTREES_ENABLED")
	return v == "1" || v == "true" || v == "yes"
}

// EnsureProduct finds or creates a product by opaque uid. When uid is
// empty, a 16-random-hex-byte uid is generated: any non-empty caller-supplied
// key is accepted verbatim, and a uid is only generated when the caller has
// none yet.
func (s *Service) EnsureProduct(ctx context.Context, uid, name string) (*model.Product, error) {
	if uid == "" {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, errs.New(errs.StoreUnavailable, "generate product uid: %v", err)
		}
		uid = hex.EncodeToString(b[:])
	}

	var p model.Product
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, product_uid, name, created_ts FROM products WHERE product_uid=?", uid).
		Scan(&p.ID, &p.ProductUID, &p.Name, &p.CreatedTS)
	if err == nil {
		return &p, nil
	}

	now := s.now()
	err = s.store.WithWrite(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO products(product_uid, name, created_ts) VALUES (?, ?, ?)", uid, name, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p = model.Product{ID: id, ProductUID: uid, Name: name, CreatedTS: now}
		return nil
	})
	if err != nil {
		// Lost an insert race: re-query rather than fail.
		if qerr := s.store.DB().QueryRowContext(ctx,
			"SELECT id, product_uid, name, created_ts FROM products WHERE product_uid=?", uid).
			Scan(&p.ID, &p.ProductUID, &p.Name, &p.CreatedTS); qerr == nil {
			return &p, nil
		}
		return nil, errs.New(errs.StoreUnavailable, "ensure_product: %v", err)
	}
	return &p, nil
}

// Link associates a project with a product. Idempotent.
func (s *Service) Link(ctx context.Context, productID, projectID int64) error {
	now := s.now()
	return s.store.WithWrite(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO product_links(product_id, project_id, created_ts) VALUES (?, ?, ?)",
			productID, projectID, now)
		return err
	})
}

// ProjectIDs returns every project linked to a product.
func (s *Service) ProjectIDs(ctx context.Context, productID int64) ([]int64, error) {
	rows, err := s.store.DB().QueryContext(ctx, "SELECT project_id FROM product_links WHERE product_id=?", productID)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ByUID looks up a product by its opaque uid.
func (s *Service) ByUID(ctx context.Context, uid string) (*model.Product, error) {
	var p model.Product
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, product_uid, name, created_ts FROM products WHERE product_uid=?", uid).
		Scan(&p.ID, &p.ProductUID, &p.Name, &p.CreatedTS)
	if err != nil {
		return nil, errs.NotFoundf("product %q", uid)
	}
	return &p, nil
}

// BuildSlots manages product-scoped advisory leases, the cross-project
// analogue of internal/reservations' per-project file leases. Only
// registered as a tool surface when WorktreesEnabled is true.
type BuildSlots struct {
	store   *store.Store
	archive *archive.Archive
	cache   *cache.Cache
	queue   *wbq.Queue
	now     func() int64
}

// NewBuildSlots creates a BuildSlots service.
func NewBuildSlots(st *store.Store, arc *archive.Archive, c *cache.Cache, q *wbq.Queue) *BuildSlots {
	return &BuildSlots{store: st, archive: arc, cache: c, queue: q, now: func() int64 { return time.Now().UnixMicro() }}
}

// Claim grants a build slot on path within a product, exclusive per
// concrete path (no glob overlap semantics — build slots are whole-path
// leases over worktree directories, not arbitrary glob patterns).
func (bs *BuildSlots) Claim(ctx context.Context, productID, agentID int64, path string, ttlSeconds int64) (*model.BuildSlot, error) {
	if path == "" {
		return nil, errs.Validationf("path must not be empty")
	}
	ttl := model.ClampTTL(ttlSeconds)
	now := bs.now()
	expires := now + ttl*1_000_000

	var slot model.BuildSlot
	err := bs.store.WithWrite(ctx, func(tx *store.Tx) error {
		var holder int64
		err := tx.QueryRowContext(ctx,
			"SELECT agent_id FROM build_slots WHERE product_id=? AND path=? AND released_ts IS NULL AND expires_ts > ?",
			productID, path, now).Scan(&holder)
		if err == nil && holder != agentID {
			return errs.New(errs.Conflict, "build slot %q is already held", path)
		}

		id := uuid.NewString()
		slot = model.BuildSlot{ID: id, ProductID: productID, AgentID: agentID, Path: path,
			CreatedTS: now, ExpiresTS: expires, LastActiveTS: now}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO build_slots(id, product_id, agent_id, path, created_ts, expires_ts, last_active_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			slot.ID, slot.ProductID, slot.AgentID, slot.Path, slot.CreatedTS, slot.ExpiresTS, slot.LastActiveTS)
		return err
	})
	if err != nil {
		return nil, err
	}
	bs.cache.InvalidateProject(productID)
	return &slot, nil
}

// Release releases a build slot held by agentID.
func (bs *BuildSlots) Release(ctx context.Context, productID, agentID int64, id string) error {
	now := bs.now()
	err := bs.store.WithWrite(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE build_slots SET released_ts=? WHERE id=? AND product_id=? AND agent_id=? AND released_ts IS NULL",
			now, id, productID, agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFoundf("build slot %q", id)
		}
		return nil
	})
	if err == nil {
		bs.cache.InvalidateProject(productID)
	}
	return err
}

// List returns the active build slots for a product.
func (bs *BuildSlots) List(ctx context.Context, productID int64) ([]model.BuildSlot, error) {
	now := bs.now()
	rows, err := bs.store.DB().QueryContext(ctx,
		`SELECT id, product_id, agent_id, path, created_ts, expires_ts, last_active_ts
		 FROM build_slots WHERE product_id=? AND released_ts IS NULL AND expires_ts > ?`, productID, now)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
	}
	defer rows.Close()

	var out []model.BuildSlot
	for rows.Next() {
		var b model.BuildSlot
		if err := rows.Scan(&b.ID, &b.ProductID, &b.AgentID, &b.Path, &b.CreatedTS, &b.ExpiresTS, &b.LastActiveTS); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
