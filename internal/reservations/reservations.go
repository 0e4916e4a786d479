// Package reservations implements the file-reservation engine: glob-based
// path leases with TTL, exclusivity, renewal, release and force-release.
// Glob syntax: * matches one path segment, ** matches zero or more.
package reservations

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

// Service implements Reservations operations.
type Service struct {
	store   *store.Store
	archive *archive.Archive
	cache   *cache.Cache
	queue   *wbq.Queue
	now     func() int64
}

// New creates a Reservations service.
func New(st *store.Store, arc *archive.Archive, c *cache.Cache, q *wbq.Queue) *Service {
	return &Service{store: st, archive: arc, cache: c, queue: q, now: func() int64 { return time.Now().UnixMicro() }}
}

// Holder describes one conflicting reservation holder.
type Holder struct {
	AgentName string `json:"agent"`
	Pattern   string `json:"pattern"`
	ExpiresTS int64  `json:"expires_ts"`
}

// Conflict describes a requested path that could not be granted.
type Conflict struct {
	Path    string   `json:"path"`
	Holders []Holder `json:"holders"`
}

// GrantResult is the partial-success shape Grant returns.
type GrantResult struct {
	Granted   []model.FileReservation `json:"granted"`
	Conflicts []Conflict              `json:"conflicts"`
}

// Grant requests a lease on each of paths, clamping TTL and rejecting only
// the specific paths that overlap another agent's active exclusive
// reservation.
func (s *Service) Grant(ctx context.Context, projectID, agentID int64, paths []string, exclusive bool, reason string, ttlSeconds int64) (*GrantResult, error) {
	if len(paths) == 0 {
		return nil, errs.Validationf("paths must not be empty")
	}
	ttl := model.ClampTTL(ttlSeconds)
	now := s.now()
	expires := now + ttl*1_000_000

	ignoreCase, err := s.ignoreCaseFor(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &GrantResult{}

	err = s.store.WithWrite(ctx, func(tx *store.Tx) error {
		active, err := s.activeExclusive(ctx, tx, projectID)
		if err != nil {
			return err
		}

		for _, path := range paths {
			var conflictHolders []Holder
			if exclusive {
				for _, a := range active {
					if a.AgentID == agentID {
						continue
					}
					if globsOverlap(path, a.PathPattern, ignoreCase) {
						var agentName string
						_ = tx.QueryRowContext(ctx, "SELECT name FROM agents WHERE id=?", a.AgentID).Scan(&agentName)
						conflictHolders = append(conflictHolders, Holder{AgentName: agentName, Pattern: a.PathPattern, ExpiresTS: a.ExpiresTS})
					}
				}
			}
			if len(conflictHolders) > 0 {
				result.Conflicts = append(result.Conflicts, Conflict{Path: path, Holders: conflictHolders})
				continue
			}

			id := uuid.NewString()
			res := model.FileReservation{
				ID: id, ProjectID: projectID, AgentID: agentID, PathPattern: path,
				Exclusive: exclusive, Reason: reason, CreatedTS: now, ExpiresTS: expires, LastActiveTS: now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_reservations(id, project_id, agent_id, path_pattern, exclusive, reason,
				                                created_ts, expires_ts, last_active_ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				res.ID, res.ProjectID, res.AgentID, res.PathPattern, boolToInt(res.Exclusive), res.Reason,
				res.CreatedTS, res.ExpiresTS, res.LastActiveTS); err != nil {
				return err
			}
			result.Granted = append(result.Granted, res)
			if exclusive {
				active = append(active, res)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "file_reservation_paths: %v", err)
	}

	for i := range result.Granted {
		s.enqueueArchiveWrite(&result.Granted[i])
	}
	s.cache.InvalidateProject(projectID)
	return result, nil
}

// RenewResult is one renewed reservation's before/after expiry.
type RenewResult struct {
	ID           string `json:"id"`
	OldExpiresTS int64  `json:"old_expires_ts"`
	NewExpiresTS int64  `json:"new_expires_ts"`
}

// Renew extends the caller's active reservations by extendSeconds, clamped
// to the TTL window.
func (s *Service) Renew(ctx context.Context, projectID, agentID int64, ids []string, extendSeconds int64) ([]RenewResult, error) {
	extend := model.ClampTTL(extendSeconds)
	now := s.now()

	var out []RenewResult
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		targets := ids
		if len(targets) == 0 {
			rows, err := tx.QueryContext(ctx,
				"SELECT id FROM file_reservations WHERE project_id=? AND agent_id=? AND released_ts IS NULL AND expires_ts > ?",
				projectID, agentID, now)
			if err != nil {
				return err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				targets = append(targets, id)
			}
			rows.Close()
		}

		for _, id := range targets {
			var oldExpires int64
			var resAgentID int64
			err := tx.QueryRowContext(ctx,
				"SELECT expires_ts, agent_id FROM file_reservations WHERE id=? AND project_id=? AND released_ts IS NULL",
				id, projectID).Scan(&oldExpires, &resAgentID)
			if err != nil || resAgentID != agentID {
				continue // only the caller's own reservations are renewable
			}
			base := oldExpires
			if base < now {
				base = now // a lapsed lease is extended from now, not from its past expiry
			}
			newExpires := base + extend*1_000_000
			if _, err := tx.ExecContext(ctx,
				"UPDATE file_reservations SET expires_ts=?, last_active_ts=? WHERE id=?", newExpires, now, id); err != nil {
				return err
			}
			out = append(out, RenewResult{ID: id, OldExpiresTS: oldExpires, NewExpiresTS: newExpires})
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "renew_file_reservations: %v", err)
	}
	s.cache.InvalidateProject(projectID)
	return out, nil
}

// Release releases the caller's reservations, optionally filtered to an
// explicit path list. Idempotent.
func (s *Service) Release(ctx context.Context, projectID, agentID int64, paths []string) (int, error) {
	now := s.now()
	var count int
	err := s.store.WithWrite(ctx, func(tx *store.Tx) error {
		var res sql.Result
		var err error
		if len(paths) == 0 {
			res, err = tx.ExecContext(ctx,
				"UPDATE file_reservations SET released_ts=? WHERE project_id=? AND agent_id=? AND released_ts IS NULL",
				now, projectID, agentID)
		} else {
			placeholders := make([]string, len(paths))
			args := []any{now, projectID, agentID}
			for i, p := range paths {
				placeholders[i] = "?"
				args = append(args, p)
			}
			res, err = tx.ExecContext(ctx,
				"UPDATE file_reservations SET released_ts=? WHERE project_id=? AND agent_id=? AND released_ts IS NULL AND path_pattern IN ("+strings.Join(placeholders, ",")+")",
				args...)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		count = int(n)
		return err
	})
	if err != nil {
		return 0, errs.New(errs.StoreUnavailable, "release_file_reservations: %v", err)
	}
	s.cache.InvalidateProject(projectID)
	return count, nil
}

// List returns every active reservation in a project.
func (s *Service) List(ctx context.Context, projectID int64) ([]model.FileReservation, error) {
	now := s.now()
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT id, project_id, agent_id, path_pattern, exclusive, reason, created_ts, expires_ts, last_active_ts
		 FROM file_reservations WHERE project_id=? AND released_ts IS NULL AND expires_ts > ? ORDER BY created_ts`,
		projectID, now)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, "%v", err)
	}
	defer rows.Close()

	var out []model.FileReservation
	for rows.Next() {
		var r model.FileReservation
		var exclusive int
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.PathPattern, &exclusive, &r.Reason,
			&r.CreatedTS, &r.ExpiresTS, &r.LastActiveTS); err != nil {
			return nil, err
		}
		r.Exclusive = exclusive != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func inactivityThreshold() int64 {
	if v := os.Getenv("FILE_RESERVATION_INACTIVITY_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 4 * 60 * 60 // 4h default
}

func activityGrace() int64 {
	if v := os.Getenv("FILE_RESERVATION_ACTIVITY_GRACE_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 10 * 60 // 10m default
}

// ForceRelease releases reservation id on behalf of a different agent,
// allowed only once the holder has been inactive for longer than the
// configured inactivity threshold plus grace window.
func (s *Service) ForceRelease(ctx context.Context, projectID int64, reservationID string, callerAgentID int64) error {
	now := s.now()
	thresholdMicros := (inactivityThreshold() + activityGrace()) * 1_000_000

	return s.store.WithWrite(ctx, func(tx *store.Tx) error {
		var lastActive int64
		var released *int64
		err := tx.QueryRowContext(ctx,
			"SELECT last_active_ts, released_ts FROM file_reservations WHERE id=? AND project_id=?",
			reservationID, projectID).Scan(&lastActive, &released)
		if err != nil {
			return errs.NotFoundf("reservation %q", reservationID)
		}
		if released != nil {
			return nil // idempotent
		}
		if now-lastActive < thresholdMicros {
			return errs.Validationf("reservation holder is still active")
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE file_reservations SET released_ts=?, reason = reason || ' [force-released by agent ' || ? || ']' WHERE id=?",
			now, callerAgentID, reservationID)
		return err
	})
}

// Name identifies this as a scheduler.Job.
func (s *Service) Name() string { return "reservations_expiry_sweep" }

// Run implements scheduler.Job: it is a no-op beyond what expiry checks
// (Active()) already do at read time. Reservation rows past expires_ts are
// simply excluded from activeExclusive/List queries, so the sweep's only
// job is to physically prune long-expired rows the archive no longer
// needs to track, keeping file_reservations from growing unbounded.
func (s *Service) Run(ctx context.Context) error {
	now := s.now()
	cutoff := now - 7*24*60*60*1_000_000 // rows expired for over a week
	return s.store.WithWrite(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM file_reservations WHERE expires_ts < ? AND (released_ts IS NULL OR released_ts < ?)", cutoff, cutoff)
		return err
	})
}

// --- glob overlap ---

// globsOverlap reports whether there exists a concrete path matching both
// a and b. * matches one path segment; ** matches zero or more segments.
func globsOverlap(a, b string, ignoreCase bool) bool {
	if ignoreCase {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	if a == b {
		return true
	}
	segA := strings.Split(a, "/")
	segB := strings.Split(b, "/")
	return segmentsOverlap(segA, segB)
}

func segmentsOverlap(a, b []string) bool {
	memo := map[[2]int]bool{}
	var rec func(i, j int) bool
	rec = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		var result bool
		switch {
		case i == len(a) && j == len(b):
			result = true
		case i < len(a) && a[i] == "**":
			result = rec(i+1, j) || (j < len(b) && rec(i, j+1))
		case j < len(b) && b[j] == "**":
			result = rec(i, j+1) || (i < len(a) && rec(i+1, j))
		case i < len(a) && j < len(b) && segmentGlobsOverlap(a[i], b[j]):
			result = rec(i+1, j+1)
		default:
			result = false
		}
		memo[key] = result
		return result
	}
	return rec(0, 0)
}

// segmentGlobsOverlap reports whether there exists a concrete string matching
// both single-segment glob patterns x and y, where * matches any run of
// characters (including none) within the segment. This lets a reservation
// like "src/*.rs" conflict with a concrete path like "src/main.rs", not just
// with a literal "*" segment.
func segmentGlobsOverlap(x, y string) bool {
	if x == y {
		return true
	}
	memo := map[[2]int]bool{}
	var rec func(i, j int) bool
	rec = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		var result bool
		switch {
		case i == len(x) && j == len(y):
			result = true
		case i < len(x) && x[i] == '*':
			result = rec(i+1, j) || (j < len(y) && rec(i, j+1))
		case j < len(y) && y[j] == '*':
			result = rec(i, j+1) || (i < len(x) && rec(i+1, j))
		case i < len(x) && j < len(y) && x[i] == y[j]:
			result = rec(i+1, j+1)
		default:
			result = false
		}
		memo[key] = result
		return result
	}
	return rec(0, 0)
}

// --- internals ---

func (s *Service) activeExclusive(ctx context.Context, tx *store.Tx, projectID int64) ([]model.FileReservation, error) {
	now := s.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, agent_id, path_pattern, expires_ts FROM file_reservations
		 WHERE project_id=? AND exclusive=1 AND released_ts IS NULL AND expires_ts > ?`, projectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FileReservation
	for rows.Next() {
		var r model.FileReservation
		if err := rows.Scan(&r.ID, &r.AgentID, &r.PathPattern, &r.ExpiresTS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) ignoreCaseFor(ctx context.Context, projectID int64) (bool, error) {
	var ic int
	err := s.store.DB().QueryRowContext(ctx, "SELECT ignore_case FROM projects WHERE id=?", projectID).Scan(&ic)
	if err != nil {
		return false, errs.NotFoundf("project")
	}
	return ic != 0, nil
}

func (s *Service) enqueueArchiveWrite(res *model.FileReservation) {
	if s.queue == nil || s.archive == nil {
		return
	}
	r := *res
	s.queue.Enqueue(wbq.Task{
		Key: "reservation:" + r.ID,
		Run: func(ctx context.Context) error {
			_, err := s.archive.WriteReservation(&r)
			return err
		},
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
