// Package export builds session bundles: metadata-only JSON documents or
// full zip archives streamed straight to the caller's writer.
//
// The archive path is built for hundreds of images on a small box: files
// are pre-validated, read in fixed-size batches under a weighted semaphore,
// retried with exponential backoff, and the heap is watched so long exports
// do not grow unbounded. Progress flows out through a tracker and publisher
// on a best-effort basis.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"curator/internal/archive"
	"curator/internal/bundle"
	curatorerrors "curator/internal/errors"
	"curator/internal/image"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/session"
	"curator/internal/storage"
)

// Options tunes the export pipeline. Zero values fall back to defaults.
type Options struct {
	// BatchSize is how many files are read per batch.
	BatchSize int
	// Concurrency caps simultaneous file reads within a batch.
	Concurrency int64
	// MaxRetries is the attempt ceiling per file read.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// MaxFileSize is the per-file ceiling; larger files are excluded.
	MaxFileSize int64
	// Timeout bounds the whole archive export.
	Timeout time.Duration
	// MemoryLimitBytes is the heap threshold that triggers a GC request.
	MemoryLimitBytes uint64
	// GCInterval is how many processed files pass between heap checks.
	GCInterval int
	// ContinueOnError keeps the archive going when a single file fails.
	ContinueOnError bool
	// CompressionLevel is the flate level for archive entries.
	CompressionLevel int
}

// DefaultOptions returns the standard export tuning.
func DefaultOptions() Options {
	return Options{
		BatchSize:        10,
		Concurrency:      5,
		MaxRetries:       3,
		RetryBaseDelay:   100 * time.Millisecond,
		MaxFileSize:      50 * 1024 * 1024,
		Timeout:          5 * time.Minute,
		MemoryLimitBytes: 512 * 1024 * 1024,
		GCInterval:       50,
		ContinueOnError:  true,
		CompressionLevel: archive.DefaultCompressionLevel,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = def.MaxFileSize
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MemoryLimitBytes == 0 {
		o.MemoryLimitBytes = def.MemoryLimitBytes
	}
	if o.GCInterval <= 0 {
		o.GCInterval = def.GCInterval
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = def.CompressionLevel
	}
	return o
}

// Report summarizes one archive export.
type Report struct {
	Stats     bundle.ExportStats `json:"stats"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Warnings  []string           `json:"warnings,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// Exporter builds bundles for sessions.
type Exporter struct {
	store     storage.Store
	resolver  *paths.Resolver
	tracker   progress.Tracker
	publisher progress.Publisher
	logger    *slog.Logger
	opts      Options
}

// New creates an Exporter. tracker and publisher may be nil when progress
// reporting is not needed, for example in CLI use.
func New(store storage.Store, resolver *paths.Resolver, tracker progress.Tracker, publisher progress.Publisher, logger *slog.Logger, opts Options) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = progress.NopPublisher{}
	}
	return &Exporter{
		store:     store,
		resolver:  resolver,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// fetchSession loads the session and enforces ownership. A session owned by
// someone else is indistinguishable from a missing one.
func (e *Exporter) fetchSession(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, curatorerrors.ErrSessionNotFound(sessionID)
		}
		return nil, err
	}
	if userID != "" && sess.User != userID {
		return nil, curatorerrors.ErrSessionDenied(sessionID)
	}
	return sess, nil
}

// ExportJSON builds the metadata-only bundle for a session. Every record's
// file_path is rewritten to the portable images/<filename> form regardless
// of where the file lives on disk; no file I/O happens here.
func (e *Exporter) ExportJSON(ctx context.Context, sessionID, userID string) (*bundle.Bundle, error) {
	sess, err := e.fetchSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListImages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	b := bundle.New(bundle.SessionMeta{
		ID:          sess.ID,
		Name:        sess.Name,
		Description: sess.Description,
		User:        sess.User,
		CreatedAt:   sess.CreatedAt.UTC().Format(time.RFC3339),
	})
	for _, rec := range records {
		b.Images = append(b.Images, metaFor(rec))
	}
	return b, nil
}

// metaFor converts a stored record into its bundle form with a portable
// file_path.
func metaFor(rec *image.Record) bundle.ImageMeta {
	return bundle.ImageMeta{
		Filename:         rec.Filename,
		OriginalFilename: rec.OriginalFilename,
		FilePath:         bundle.ImagesPrefix + rec.Filename,
		FileSize:         rec.FileSize,
		Dimensions:       rec.Dimensions,
		Prompt:           rec.Prompt,
		Generator:        string(rec.Generator),
		Settings:         rec.Settings,
		Description:      rec.Description,
		AIScores:         rec.AIScores,
		QualityRating:    rec.QualityRating,
		Tags:             rec.Tags,
		Notes:            rec.Notes,
		ID:               rec.ID,
		SessionID:        rec.SessionID,
		UploadedAt:       rec.UploadedAt.UTC().Format(time.RFC3339),
		UploadedBy:       rec.UploadedBy,
	}
}

// validFile pairs a record with its resolved absolute path after
// pre-validation.
type validFile struct {
	rec  *image.Record
	path string
}

// ExportArchive streams a full zip bundle for a session into w: metadata
// first, then one entry per image that passed pre-validation. Returns a
// fatal error only when nothing could be exported, the context ended, or a
// file failed with ContinueOnError disabled.
func (e *Exporter) ExportArchive(ctx context.Context, sessionID, userID string, w io.Writer) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	key := progress.Key(sessionID, userID)

	sess, err := e.fetchSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListImages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, key, progress.Update{
		Status:      progress.StatusStarting,
		TotalImages: len(records),
		Message:     fmt.Sprintf("Preparing export of %s", sess.Name),
	})

	valid, warnings := e.prevalidate(ctx, key, records)
	if len(valid) == 0 {
		err := curatorerrors.ErrNoImages(sessionID)
		e.fail(ctx, key, len(records), err)
		return nil, err
	}

	report := &Report{
		Stats: bundle.ExportStats{
			TotalImages:  len(records),
			ValidFiles:   len(valid),
			InvalidFiles: len(records) - len(valid),
		},
		Warnings: warnings,
	}

	// Start streaming immediately; the metadata document is the first
	// entry so a partial download still identifies its session.
	zw := archive.NewWriter(w, archive.WithCompressionLevel(e.opts.CompressionLevel))

	meta := bundle.New(bundle.SessionMeta{
		ID:          sess.ID,
		Name:        sess.Name,
		Description: sess.Description,
		User:        sess.User,
		CreatedAt:   sess.CreatedAt.UTC().Format(time.RFC3339),
	})
	for _, rec := range records {
		meta.Images = append(meta.Images, metaFor(rec))
	}
	meta.ExportStats = &report.Stats

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := zw.AddBytes(bundle.MetadataFilename, metaBytes); err != nil {
		return nil, e.wrapFatal(ctx, key, sessionID, len(records), err)
	}

	if err := e.writeBatches(ctx, key, zw, valid, report); err != nil {
		return nil, e.wrapFatal(ctx, key, sessionID, len(records), err)
	}

	if err := zw.Close(); err != nil {
		return nil, e.wrapFatal(ctx, key, sessionID, len(records), fmt.Errorf("finalize archive: %w", err))
	}

	report.Duration = time.Since(start)
	e.publish(ctx, key, progress.Update{
		Status:          progress.StatusComplete,
		TotalImages:     len(records),
		ProcessedImages: report.Processed,
		FailedImages:    report.Failed,
		Percentage:      100,
		Message: fmt.Sprintf("Exported %d of %d images in %s",
			report.Processed, len(records), report.Duration.Round(time.Millisecond)),
	})
	e.logger.Info("export complete",
		"session", sessionID,
		"processed", report.Processed,
		"failed", report.Failed,
		"invalid", report.Stats.InvalidFiles,
		"duration", report.Duration)
	return report, nil
}

// prevalidate checks each record's backing file: it must exist, be
// non-empty, and sit below the per-file ceiling. Failures become warnings
// and the record is excluded from the archive.
func (e *Exporter) prevalidate(ctx context.Context, key string, records []*image.Record) ([]validFile, []string) {
	e.publish(ctx, key, progress.Update{
		Status:      progress.StatusValidating,
		TotalImages: len(records),
		Message:     fmt.Sprintf("Validating %d files", len(records)),
	})

	valid := make([]validFile, 0, len(records))
	var warnings []string
	for _, rec := range records {
		path, err := e.resolver.Resolve(ctx, rec)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: file not found", rec.Filename))
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", rec.Filename, err))
			continue
		}
		if info.Size() == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: file is empty", rec.Filename))
			continue
		}
		if info.Size() > e.opts.MaxFileSize {
			warnings = append(warnings, fmt.Sprintf("%s: %d bytes exceeds the %d byte limit",
				rec.Filename, info.Size(), e.opts.MaxFileSize))
			continue
		}
		valid = append(valid, validFile{rec: rec, path: path})
	}

	for _, warn := range warnings {
		e.logger.Warn("excluding file from export", "reason", warn)
	}
	return valid, warnings
}

// readResult is one file read outcome within a batch.
type readResult struct {
	file validFile
	data []byte
	err  error
}

// writeBatches processes valid files in fixed-size batches. Reads within a
// batch run concurrently under the semaphore; entries are written to the
// archive sequentially afterward because the zip writer is not safe for
// concurrent use.
func (e *Exporter) writeBatches(ctx context.Context, key string, zw *archive.Writer, valid []validFile, report *Report) error {
	sem := semaphore.NewWeighted(e.opts.Concurrency)
	total := report.Stats.TotalImages
	sinceCheck := 0
	procStart := time.Now()

	for offset := 0; offset < len(valid); offset += e.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := offset + e.opts.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[offset:end]

		results := make([]readResult, len(batch))
		var wg sync.WaitGroup
		for i, vf := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(i int, vf validFile) {
				defer wg.Done()
				defer sem.Release(1)
				data, err := e.readWithRetry(ctx, vf.path)
				results[i] = readResult{file: vf, data: data, err: err}
			}(i, vf)
		}
		wg.Wait()

		for _, res := range results {
			if res.err == nil {
				res.err = zw.AddBytes(bundle.ImagesPrefix+res.file.rec.Filename, res.data)
			}
			if res.err != nil {
				report.Failed++
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("%s: %v", res.file.rec.Filename, res.err))
				e.logger.Warn("file failed during export", "file", res.file.rec.Filename, "error", res.err)
				if !e.opts.ContinueOnError {
					return fmt.Errorf("export %s: %w", res.file.rec.Filename, res.err)
				}
			} else {
				report.Processed++
			}

			done := report.Processed + report.Failed
			e.publish(ctx, key, progress.Update{
				Status:                 progress.StatusProcessing,
				TotalImages:            total,
				ProcessedImages:        report.Processed,
				FailedImages:           report.Failed,
				CurrentImage:           res.file.rec.Filename,
				Percentage:             runningPercentage(done, len(valid)),
				EstimatedTimeRemaining: estimateRemaining(time.Since(procStart), done, len(valid)),
				Message:                fmt.Sprintf("Processing %d of %d", done, len(valid)),
			})

			sinceCheck++
			if sinceCheck >= e.opts.GCInterval {
				sinceCheck = 0
				e.checkMemory()
			}
		}

		// Yield between batches so a long export does not starve other
		// work on the process.
		runtime.Gosched()
	}
	return nil
}

// runningPercentage maps in-flight completion onto 0..99. Only
// finalization reports 100.
func runningPercentage(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 99
}

// estimateRemaining derives an ETA from running throughput.
func estimateRemaining(elapsed time.Duration, done, total int) time.Duration {
	if done == 0 || done >= total {
		return 0
	}
	perFile := elapsed / time.Duration(done)
	return perFile * time.Duration(total-done)
}

// readWithRetry reads a file with exponential backoff up to the attempt
// ceiling.
func (e *Exporter) readWithRetry(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	delay := e.opts.RetryBaseDelay
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == e.opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("read failed after %d attempts: %w", e.opts.MaxRetries, lastErr)
}

// checkMemory asks the runtime for a collection when the heap has crossed
// the configured ceiling. Called every GCInterval files, not per file, to
// avoid thrashing the collector.
func (e *Exporter) checkMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > e.opts.MemoryLimitBytes {
		e.logger.Debug("heap over limit, requesting GC",
			"heapAlloc", ms.HeapAlloc, "limit", e.opts.MemoryLimitBytes)
		runtime.GC()
	}
}

// wrapFatal converts terminal failures into structured errors and records
// the error state for progress consumers.
func (e *Exporter) wrapFatal(ctx context.Context, key, sessionID string, total int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = curatorerrors.ErrExportTimeout(sessionID, e.opts.Timeout.String())
	}
	e.fail(ctx, key, total, err)
	return err
}

func (e *Exporter) fail(ctx context.Context, key string, total int, err error) {
	e.publish(ctx, key, progress.Update{
		Status:      progress.StatusError,
		TotalImages: total,
		Message:     "Export failed",
		Error:       err.Error(),
	})
}

// publish records an update in the tracker and fans it out live. Both are
// fire-and-forget: progress must never fail the export itself.
func (e *Exporter) publish(ctx context.Context, key string, up progress.Update) {
	merged := up
	if e.tracker != nil {
		if m, err := e.tracker.Update(ctx, key, up); err == nil {
			merged = m
		} else {
			e.logger.Debug("progress update dropped", "key", key, "error", err)
		}
	}
	e.publisher.Publish(progress.Event{Key: key, Update: merged})
}
