// Package paths locates image files on disk and heals stale stored paths.
//
// Records store paths relative to the data root, but collections imported
// from older versions (or moved between machines) may hold absolute paths,
// odd prefixes, or point at folders that predate the current layout. The
// resolver tries an ordered list of candidate locations and rewrites the
// stored path to the winner so future lookups hit it directly.
package paths

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"curator/internal/errors"
	"curator/internal/image"
	"curator/internal/storage"
	"curator/internal/util"
)

// SessionsDir is the folder under the data root holding per-session data.
const SessionsDir = "sessions"

// ImagesDir is the folder inside a session holding image files.
const ImagesDir = "images"

// CanonicalRelPath returns the expected stored path for a session image,
// relative to the data root.
func CanonicalRelPath(sessionID, filename string) string {
	return filepath.Join(SessionsDir, sessionID, ImagesDir, filename)
}

// SessionImagesDir returns the absolute image folder for a session.
func SessionImagesDir(dataRoot, sessionID string) string {
	return filepath.Join(dataRoot, SessionsDir, sessionID, ImagesDir)
}

// Resolver performs multi-location file lookup with self-healing.
type Resolver struct {
	dataRoot string
	store    storage.Store
	logger   *slog.Logger
	healing  singleflight.Group
}

// NewResolver creates a resolver rooted at dataRoot.
func NewResolver(dataRoot string, store storage.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dataRoot: dataRoot, store: store, logger: logger}
}

// DataRoot returns the resolver's data root.
func (r *Resolver) DataRoot() string {
	return r.dataRoot
}

// Canonical returns the absolute canonical path for a record.
func (r *Resolver) Canonical(rec *image.Record) string {
	return filepath.Join(r.dataRoot, CanonicalRelPath(rec.SessionID, rec.Filename))
}

// candidates returns the ordered list of locations to try. Each candidate
// is a named generator so adding a new legacy location is a one-line
// change.
func (r *Resolver) candidates(rec *image.Record) []candidate {
	stored := rec.FilePath
	list := []candidate{
		{"stored", r.absStored(stored)},
		{"canonical", r.Canonical(rec)},
		{"session-folder", filepath.Join(r.dataRoot, SessionsDir, rec.SessionID, rec.Filename)},
		{"dataroot-stored", filepath.Join(r.dataRoot, strings.TrimLeft(filepath.ToSlash(stored), "/"))},
		{"dataroot-filename", filepath.Join(r.dataRoot, rec.Filename)},
	}
	return list
}

type candidate struct {
	name string
	path string
}

// absStored interprets the stored path as-is: absolute paths stand alone,
// relative ones are anchored at the data root.
func (r *Resolver) absStored(stored string) string {
	if stored == "" {
		return ""
	}
	if filepath.IsAbs(stored) {
		return stored
	}
	return filepath.Join(r.dataRoot, stored)
}

// Resolve returns the absolute path of the record's file, trying each
// candidate location in order. The first location that exists wins. A hit
// anywhere but the stored path triggers a heal: the stored path is
// rewritten to the winning location (relative to the data root) so the
// next lookup is direct. If no location has the file, the returned error
// enumerates every path tried.
func (r *Resolver) Resolve(ctx context.Context, rec *image.Record) (string, error) {
	var tried []string
	for i, c := range r.candidates(rec) {
		if c.path == "" {
			continue
		}
		tried = append(tried, c.path)
		if !util.FileExists(c.path) {
			continue
		}
		if i > 0 {
			r.heal(ctx, rec, c)
		}
		return c.path, nil
	}
	return "", errors.ErrFileNotFound(rec.Filename, tried)
}

// heal rewrites the record's stored path to the winning location. Runs of
// concurrent Resolve calls for the same record collapse into one store
// write; last write wins, which is safe because healing only ever narrows
// toward the canonical path.
func (r *Resolver) heal(ctx context.Context, rec *image.Record, won candidate) {
	newPath := r.relToDataRoot(won.path)
	if newPath == rec.FilePath {
		return
	}

	r.healing.Do(rec.ID, func() (any, error) {
		updated := *rec
		updated.FilePath = newPath
		if err := r.store.UpdateImage(ctx, &updated); err != nil {
			// Serving still succeeds; healing retries on the next lookup.
			r.logger.Warn("path heal failed", "image", rec.ID, "path", newPath, "error", err)
			return nil, nil
		}
		rec.FilePath = newPath
		r.logger.Info("healed stored path", "image", rec.ID, "location", won.name, "path", newPath)
		return nil, nil
	})
}

// relToDataRoot converts an absolute path under the data root to its
// stored (relative) form. Paths outside the data root are kept absolute.
func (r *Resolver) relToDataRoot(abs string) string {
	rel, err := filepath.Rel(r.dataRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}
