// Package archive produces and persists a content-addressed on-disk mirror
// of canonical artifacts: one Markdown file per message, one JSON snapshot
// per file reservation. The archive is a derived, read-mostly mirror — the
// Store remains authoritative, and a missing artifact is never fatal.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mail-mcp/mailmcpd/internal/model"
)

// CommitMeta describes one archive write, in the shape the Mail and
// Resources components surface as "commit" metadata.
type CommitMeta struct {
	Summary      string `json:"summary"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
	DiffSummary  string `json:"diff_summary"`
	ContentHash  string `json:"content_hash"`
}

// Archive is the on-disk artifact mirror rooted at Root.
type Archive struct {
	Root string
	dmp  *diffmatchpatch.DiffMatchPatch
}

// New creates an Archive rooted at root, creating the directory if absent.
func New(root string) (*Archive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Archive{Root: root, dmp: diffmatchpatch.New()}, nil
}

// MessagePath returns the deterministic on-disk path for a message.
func (a *Archive) MessagePath(projectSlug string, createdTS int64, id string) string {
	t := time.UnixMicro(createdTS).UTC()
	return filepath.Join(a.Root, "messages", projectSlug,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), id+".md")
}

// ReservationPath returns the deterministic on-disk path for a reservation
// snapshot.
func (a *Archive) ReservationPath(id string) string {
	return filepath.Join(a.Root, "file_reservations", id+".json")
}

// WriteMessage renders msg as Markdown with a frontmatter block and writes
// it to MessagePath, idempotently: identical content at that path is a
// no-op and returns a zero-diff CommitMeta.
func (a *Archive) WriteMessage(projectSlug string, msg *model.Message) (*CommitMeta, error) {
	content := renderMessage(projectSlug, msg)
	path := a.MessagePath(projectSlug, msg.CreatedTS, msg.ID)
	return a.writeContentAddressed(path, content, fmt.Sprintf("message %s", msg.ID))
}

// WriteReservation renders res as JSON and writes it to ReservationPath,
// updated on every renewal or release.
func (a *Archive) WriteReservation(res *model.FileReservation) (*CommitMeta, error) {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal reservation: %w", err)
	}
	path := a.ReservationPath(res.ID)
	return a.writeContentAddressed(path, string(b), fmt.Sprintf("reservation %s", res.ID))
}

func (a *Archive) writeContentAddressed(path, content, summary string) (*CommitMeta, error) {
	hash := sha256.Sum256([]byte(content))
	hexHash := hex.EncodeToString(hash[:])

	previous := ""
	if existing, err := os.ReadFile(path); err == nil {
		previous = string(existing)
		prevHash := sha256.Sum256(existing)
		if hex.EncodeToString(prevHash[:]) == hexHash {
			// Rewriting identical canonical content is a no-op.
			return &CommitMeta{Summary: summary, ContentHash: hexHash}, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read existing artifact %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", path, err)
	}

	ins, del, diffSummary := a.diffSummary(previous, content)
	return &CommitMeta{
		Summary:     summary,
		Insertions:  ins,
		Deletions:   del,
		DiffSummary: diffSummary,
		ContentHash: hexHash,
	}, nil
}

func (a *Archive) diffSummary(before, after string) (insertions, deletions int, summary string) {
	diffs := a.dmp.DiffMain(before, after, false)
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n") + 1
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			insertions += lines
		case diffmatchpatch.DiffDelete:
			deletions += lines
		}
	}
	if before == "" {
		return insertions, deletions, "new artifact"
	}
	return insertions, deletions, fmt.Sprintf("+%d/-%d lines", insertions, deletions)
}

// Read returns the raw artifact content at path, or (nil, false) if it does
// not exist yet — consumers must treat this as "no archive yet", not fatal.
func (a *Archive) Read(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func renderMessage(projectSlug string, msg *model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "---\n")
	fmt.Fprintf(&sb, "id: %s\n", msg.ID)
	fmt.Fprintf(&sb, "project: %s\n", projectSlug)
	fmt.Fprintf(&sb, "thread_id: %s\n", msg.ThreadID)
	fmt.Fprintf(&sb, "importance: %s\n", msg.Importance)
	fmt.Fprintf(&sb, "created_ts: %d\n", msg.CreatedTS)
	fmt.Fprintf(&sb, "subject: %q\n", msg.Subject)
	sb.WriteString("---\n\n")
	sb.WriteString(msg.BodyMD)
	sb.WriteString("\n")
	return sb.String()
}
