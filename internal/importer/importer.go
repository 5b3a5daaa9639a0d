// Package importer reconciles uploaded bundles back into the store: it
// decodes JSON or zip bundles, validates them, resolves the target session,
// detects duplicates during merge, extracts image files, and persists
// records. Per-entry failures accumulate as soft errors; the operation
// keeps going and reports exact imported/skipped counts.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"curator/internal/archive"
	"curator/internal/bundle"
	curatorerrors "curator/internal/errors"
	"curator/internal/image"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/session"
	"curator/internal/storage"
	"curator/internal/util"
)

// Mode selects how the target session is resolved.
type Mode string

const (
	// ModeNew creates a fresh session for the bundle.
	ModeNew Mode = "new"
	// ModeMerge imports into an existing session owned by the caller.
	ModeMerge Mode = "merge"
)

// DuplicateStrategy governs how merge-mode collisions are reconciled.
type DuplicateStrategy string

const (
	// StrategySkip discards the incoming record.
	StrategySkip DuplicateStrategy = "skip"
	// StrategyReplace deletes the existing record first.
	StrategyReplace DuplicateStrategy = "replace"
	// StrategyRename imports under a derived non-colliding filename.
	StrategyRename DuplicateStrategy = "rename"
)

// Options controls one import operation.
type Options struct {
	Mode              Mode              `json:"mode"`
	TargetSessionID   string            `json:"targetSessionId,omitempty"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy"`
	PreserveIDs       bool              `json:"preserveIds"`
}

// Validate checks option consistency before any work begins.
func (o Options) Validate() error {
	switch o.Mode {
	case ModeNew:
	case ModeMerge:
		if o.TargetSessionID == "" {
			return fmt.Errorf("merge mode requires a target session id")
		}
	default:
		return fmt.Errorf("invalid import mode %q", o.Mode)
	}
	switch o.DuplicateStrategy {
	case StrategySkip, StrategyReplace, StrategyRename, "":
	default:
		return fmt.Errorf("invalid duplicate strategy %q", o.DuplicateStrategy)
	}
	return nil
}

// Result reports the outcome of one import.
type Result struct {
	Success   bool     `json:"success"`
	SessionID string   `json:"sessionId,omitempty"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// duplicate pairs an incoming entry with the existing record it collides
// with. Never persisted; it only informs the strategy decision.
type duplicate struct {
	existing *image.Record
	reason   string
}

// Importer imports bundles into the store.
type Importer struct {
	store    storage.Store
	resolver *paths.Resolver
	locker   *storage.SessionLocker
	tracker  progress.Tracker
	logger   *slog.Logger
}

// New creates an Importer. locker and tracker may be nil.
func New(store storage.Store, resolver *paths.Resolver, locker *storage.SessionLocker, tracker progress.Tracker, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:    store,
		resolver: resolver,
		locker:   locker,
		tracker:  tracker,
		logger:   logger,
	}
}

// Import runs a full import of the uploaded bundle. Fatal pre-mutation
// failures (undecodable upload, schema violations, unknown or foreign
// target session) return an error and no Result. Once entries start being
// persisted, failures are captured in the Result instead: success=false
// with the error recorded, and everything imported before the failure
// stays persisted.
//
// There is no mid-operation cancellation; an import runs to completion or
// failure once started.
func (im *Importer) Import(ctx context.Context, filename string, data []byte, opts Options, userID string) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, curatorerrors.ErrNotABundle(err.Error())
	}

	b, reader, err := decode(filename, data)
	if err != nil {
		return nil, err
	}

	sess, existing, err := im.resolveTarget(ctx, b, opts, userID)
	if err != nil {
		return nil, err
	}

	if im.locker != nil {
		im.locker.Lock(sess.ID)
		defer im.locker.Unlock(sess.ID)
	}

	key := progress.Key(sess.ID, userID)
	im.publish(ctx, key, progress.Update{
		Status:      progress.StatusProcessing,
		TotalImages: len(b.Images),
		Message:     fmt.Sprintf("Importing %d entries into %s", len(b.Images), sess.Name),
	})

	result := &Result{Success: true, SessionID: sess.ID, Errors: []string{}}
	taken := takenFilenames(existing)

	for i := range b.Images {
		entry := &b.Images[i]
		if err := im.importEntry(ctx, sess, entry, reader, opts, userID, &existing, taken, result); err != nil {
			// Entries already imported stay persisted; there is no
			// transactional rollback across the store and filesystem.
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
			result.Skipped += len(b.Images) - i
			im.logger.Error("import aborted", "session", sess.ID, "entry", i, "error", err)
			break
		}
		im.publish(ctx, key, progress.Update{
			Status:          progress.StatusProcessing,
			TotalImages:     len(b.Images),
			ProcessedImages: result.Imported,
			FailedImages:    len(result.Errors),
			CurrentImage:    entry.Filename,
			Percentage:      float64(result.Imported+result.Skipped) / float64(max(len(b.Images), 1)) * 99,
			Message:         fmt.Sprintf("Imported %d of %d", result.Imported, len(b.Images)),
		})
	}

	status := progress.StatusComplete
	msg := fmt.Sprintf("Imported %d, skipped %d", result.Imported, result.Skipped)
	if !result.Success {
		status = progress.StatusError
		msg = "Import failed"
	}
	im.publish(ctx, key, progress.Update{
		Status:          status,
		TotalImages:     len(b.Images),
		ProcessedImages: result.Imported,
		FailedImages:    len(result.Errors),
		Percentage:      100,
		Message:         msg,
	})
	return result, nil
}

// decode turns an upload into a validated bundle, plus an archive reader
// when the upload was a zip. A .json upload is parsed directly; anything
// else must be a zip containing metadata.json.
func decode(filename string, data []byte) (*bundle.Bundle, *archive.Reader, error) {
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		b, err := bundle.Validate(data)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	}

	reader, err := archive.OpenReader(data)
	if err != nil {
		return nil, nil, curatorerrors.ErrNotABundle("the file is neither a JSON document nor a readable zip archive")
	}
	if !reader.Has(bundle.MetadataFilename) {
		return nil, nil, curatorerrors.ErrNotABundle("the archive contains no metadata.json entry")
	}
	meta, err := reader.ReadFile(bundle.MetadataFilename)
	if err != nil {
		return nil, nil, curatorerrors.ErrNotABundle(fmt.Sprintf("metadata.json could not be read: %v", err))
	}
	b, err := bundle.Validate(meta)
	if err != nil {
		return nil, nil, err
	}
	return b, reader, nil
}

// operatorUser owns sessions created by headless imports that carry no
// acting user. It matches the API's fallback identity so such sessions
// stay reachable over HTTP.
const operatorUser = "anonymous"

// resolveTarget creates or loads the session the bundle lands in. Merge
// mode also preloads the session's image records for duplicate detection.
// An empty userID is the headless operator: ownership checks are skipped
// and new sessions fall to the operator identity.
func (im *Importer) resolveTarget(ctx context.Context, b *bundle.Bundle, opts Options, userID string) (*session.Session, []*image.Record, error) {
	if opts.Mode == ModeNew {
		desc := b.Session.Description
		if desc == "" {
			desc = fmt.Sprintf("Imported on %s", time.Now().UTC().Format("2006-01-02"))
		}
		owner := userID
		if owner == "" {
			owner = operatorUser
		}
		sess := session.New(b.Session.Name+" (Imported)", desc, owner)
		if err := im.store.CreateSession(ctx, sess); err != nil {
			return nil, nil, err
		}
		return sess, nil, nil
	}

	sess, err := im.store.GetSession(ctx, opts.TargetSessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, curatorerrors.ErrSessionNotFound(opts.TargetSessionID)
		}
		return nil, nil, err
	}
	if userID != "" && sess.User != userID {
		return nil, nil, curatorerrors.ErrSessionDenied(opts.TargetSessionID)
	}
	existing, err := im.store.ListImages(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	return sess, existing, nil
}

// importEntry handles one bundle entry. Returning an error aborts the
// whole import; recoverable per-entry problems are recorded on result and
// return nil.
func (im *Importer) importEntry(ctx context.Context, sess *session.Session, entry *bundle.ImageMeta, reader *archive.Reader, opts Options, userID string, existing *[]*image.Record, taken map[string]bool, result *Result) error {
	if entry.Filename == "" || entry.OriginalFilename == "" {
		result.Skipped++
		result.Errors = append(result.Errors, "entry skipped: missing filename or original_filename")
		return nil
	}

	filename := entry.Filename
	if opts.Mode == ModeMerge {
		if dup := detectDuplicate(*existing, entry); dup != nil {
			switch opts.DuplicateStrategy {
			case StrategyReplace:
				if err := im.removeExisting(ctx, dup.existing); err != nil {
					return fmt.Errorf("replace %s: %w", dup.existing.Filename, err)
				}
				delete(taken, dup.existing.Filename)
				dropRecord(existing, dup.existing)
			case StrategyRename:
				filename = uniqueFilename(filename, taken)
			default: // skip
				result.Skipped++
				im.logger.Debug("duplicate skipped", "filename", entry.Filename, "reason", dup.reason)
				return nil
			}
		}
	}
	if taken[filename] {
		// Collision within the bundle itself, or against a record the
		// duplicate scan did not flag.
		filename = uniqueFilename(filename, taken)
	}

	destRel := paths.CanonicalRelPath(sess.ID, filename)
	destAbs := filepath.Join(im.resolver.DataRoot(), destRel)

	if reader != nil && entry.FilePath != "" {
		entryPath := archive.NormalizePath(entry.FilePath)
		if !reader.Has(entryPath) {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: archive entry %s not found", entry.Filename, entryPath))
			return nil
		}
		fileData, err := reader.ReadFile(entryPath)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: extracting %s: %v", entry.Filename, entryPath, err))
			return nil
		}
		if err := util.AtomicWriteFile(destAbs, fileData, 0644); err != nil {
			return fmt.Errorf("write %s: %w", destRel, err)
		}
		if !util.FileExists(destAbs) {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: write verification failed at %s", entry.Filename, destRel))
			return nil
		}
	}
	// JSON-only bundles carry no files; only metadata is imported.

	rec := recordFor(sess.ID, filename, entry, opts, userID)
	rec.FilePath = destRel
	if err := im.store.CreateImage(ctx, rec); err != nil {
		return fmt.Errorf("persist %s: %w", filename, err)
	}

	taken[filename] = true
	result.Imported++
	return nil
}

// removeExisting deletes a record and its backing file ahead of a replace.
// The file removal is best-effort; a file that was already gone is fine.
func (im *Importer) removeExisting(ctx context.Context, rec *image.Record) error {
	if path, err := im.resolver.Resolve(ctx, rec); err == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			im.logger.Warn("could not remove replaced file", "path", path, "error", err)
		}
	}
	return im.store.DeleteImage(ctx, rec.ID)
}

// detectDuplicate checks an incoming entry against existing records in
// precedence order: same stored filename, then same original filename,
// then same prompt+generator pair.
func detectDuplicate(existing []*image.Record, entry *bundle.ImageMeta) *duplicate {
	for _, rec := range existing {
		if rec.Filename == entry.Filename {
			return &duplicate{existing: rec, reason: "same stored name"}
		}
	}
	for _, rec := range existing {
		if rec.OriginalFilename == entry.OriginalFilename {
			return &duplicate{existing: rec, reason: "same original name"}
		}
	}
	if entry.Prompt != "" {
		for _, rec := range existing {
			if rec.Prompt == entry.Prompt && string(rec.Generator) == entry.Generator {
				return &duplicate{existing: rec, reason: "same prompt+generator pair"}
			}
		}
	}
	return nil
}

// uniqueFilename appends an incrementing numeric suffix before the
// extension until the name no longer collides: a.png, a_1.png, a_2.png.
func uniqueFilename(filename string, taken map[string]bool) string {
	if !taken[filename] {
		return filename
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

// dropRecord removes rec from the in-memory duplicate-detection set after
// a replace, so later entries never match a record that is already gone.
func dropRecord(existing *[]*image.Record, rec *image.Record) {
	for i, r := range *existing {
		if r.ID == rec.ID {
			*existing = append((*existing)[:i], (*existing)[i+1:]...)
			return
		}
	}
}

func takenFilenames(existing []*image.Record) map[string]bool {
	taken := make(map[string]bool, len(existing))
	for _, rec := range existing {
		taken[rec.Filename] = true
	}
	return taken
}

// recordFor builds the stored record for an entry, applying safe defaults
// for optional fields the bundle left out.
func recordFor(sessionID, filename string, entry *bundle.ImageMeta, opts Options, userID string) *image.Record {
	id := uuid.NewString()
	if opts.PreserveIDs && entry.ID != "" {
		id = entry.ID
	}
	scores := entry.AIScores
	if scores == nil {
		scores = map[string]float64{}
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	return &image.Record{
		ID:               id,
		SessionID:        sessionID,
		Filename:         filename,
		OriginalFilename: entry.OriginalFilename,
		FileSize:         entry.FileSize,
		Dimensions:       entry.Dimensions,
		Prompt:           entry.Prompt,
		Generator:        image.ParseGenerator(entry.Generator),
		Settings:         entry.Settings,
		Description:      entry.Description,
		AIScores:         scores,
		QualityRating:    entry.QualityRating,
		Tags:             tags,
		Notes:            entry.Notes,
		UploadedAt:       time.Now().UTC(),
		UploadedBy:       userID,
	}
}

// publish records progress on a best-effort basis.
func (im *Importer) publish(ctx context.Context, key string, up progress.Update) {
	if im.tracker == nil {
		return
	}
	if _, err := im.tracker.Update(ctx, key, up); err != nil {
		im.logger.Debug("progress update dropped", "key", key, "error", err)
	}
}
