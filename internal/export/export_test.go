package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/archive"
	"curator/internal/bundle"
	curatorerrors "curator/internal/errors"
	"curator/internal/image"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/session"
	"curator/internal/storage"
)

type env struct {
	exporter *Exporter
	store    *storage.SQLiteStore
	resolver *paths.Resolver
	tracker  *progress.MemoryTracker
	dataRoot string
	session  *session.Session
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	store := storage.NewTestStore(t)
	dataRoot := t.TempDir()
	resolver := paths.NewResolver(dataRoot, store, nil)
	tracker := progress.NewMemoryTracker()

	sess := session.New("Export Test", "", "alice")
	require.NoError(t, store.CreateSession(context.Background(), sess))

	return &env{
		exporter: New(store, resolver, tracker, nil, nil, opts),
		store:    store,
		resolver: resolver,
		tracker:  tracker,
		dataRoot: dataRoot,
		session:  sess,
	}
}

// seedImages creates n image records with backing files of the given size.
func (e *env) seedImages(t *testing.T, n int, size int) []*image.Record {
	t.Helper()
	recs := make([]*image.Record, 0, n)
	for i := 0; i < n; i++ {
		fn := fmt.Sprintf("img_%03d.png", i)
		rec := &image.Record{
			ID:               fmt.Sprintf("rec-%03d", i),
			SessionID:        e.session.ID,
			Filename:         fn,
			OriginalFilename: fn,
			FilePath:         paths.CanonicalRelPath(e.session.ID, fn),
			FileSize:         int64(size),
			Prompt:           "a test prompt",
			Generator:        image.GeneratorMidjourney,
			AIScores:         map[string]float64{"aesthetic": 0.8},
			UploadedAt:       time.Now().UTC(),
			UploadedBy:       "alice",
		}
		require.NoError(t, e.store.CreateImage(context.Background(), rec))

		abs := filepath.Join(e.dataRoot, rec.FilePath)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, bytes.Repeat([]byte{0xAB}, size), 0644))
		recs = append(recs, rec)
	}
	return recs
}

func TestExportJSONRewritesPaths(t *testing.T) {
	e := newEnv(t, Options{})
	e.seedImages(t, 3, 10)

	b, err := e.exporter.ExportJSON(context.Background(), e.session.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, "Export Test", b.Session.Name)
	assert.Equal(t, bundle.FormatVersion, b.ExportVersion)
	assert.NotEmpty(t, b.ExportTimestamp)
	require.Len(t, b.Images, 3)
	for _, img := range b.Images {
		assert.Equal(t, bundle.ImagesPrefix+img.Filename, img.FilePath)
	}
}

func TestExportJSONEmptySession(t *testing.T) {
	e := newEnv(t, Options{})

	b, err := e.exporter.ExportJSON(context.Background(), e.session.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, b.Images)
	assert.Equal(t, bundle.FormatVersion, b.ExportVersion)
}

func TestExportOwnershipLooksLikeNotFound(t *testing.T) {
	e := newEnv(t, Options{})

	_, err := e.exporter.ExportJSON(context.Background(), e.session.ID, "mallory")
	require.Error(t, err)
	cerr := curatorerrors.AsCuratorError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, 404, cerr.HTTPStatus())
	assert.NotContains(t, cerr.Error(), "alice")
}

func TestExportArchiveRoundTripReadable(t *testing.T) {
	e := newEnv(t, Options{})
	e.seedImages(t, 4, 32)

	var buf bytes.Buffer
	report, err := e.exporter.ExportArchive(context.Background(), e.session.ID, "alice", &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 4, report.Stats.ValidFiles)

	r, err := archive.OpenReader(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, r.Has(bundle.MetadataFilename))
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("images/img_%03d.png", i)
		data, err := r.ReadFile(name)
		require.NoError(t, err)
		assert.Len(t, data, 32)
	}

	// Metadata is the first entry so partial downloads stay identifiable.
	assert.Equal(t, bundle.MetadataFilename, r.Entries()[0])

	meta, err := r.ReadFile(bundle.MetadataFilename)
	require.NoError(t, err)
	b, err := bundle.Validate(meta)
	require.NoError(t, err)
	require.NotNil(t, b.ExportStats)
	assert.Equal(t, 4, b.ExportStats.ValidFiles)
	assert.Equal(t, 0, b.ExportStats.InvalidFiles)
}

func TestExportArchiveNoImagesFatal(t *testing.T) {
	e := newEnv(t, Options{})

	var buf bytes.Buffer
	_, err := e.exporter.ExportArchive(context.Background(), e.session.ID, "alice", &buf)
	require.Error(t, err)
	cerr := curatorerrors.AsCuratorError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, curatorerrors.CodeExportNoImages, cerr.Code)
	assert.Zero(t, buf.Len(), "no archive bytes when nothing can be exported")

	up, ok, _ := e.tracker.Get(context.Background(), progress.Key(e.session.ID, "alice"))
	require.True(t, ok)
	assert.Equal(t, progress.StatusError, up.Status)
}

func TestExportPartitionsInvalidFiles(t *testing.T) {
	e := newEnv(t, Options{MaxFileSize: 100})
	recs := e.seedImages(t, 3, 50)

	// One file over the ceiling, one missing entirely.
	big := filepath.Join(e.dataRoot, recs[1].FilePath)
	require.NoError(t, os.WriteFile(big, bytes.Repeat([]byte{0x01}, 200), 0644))
	require.NoError(t, os.Remove(filepath.Join(e.dataRoot, recs[2].FilePath)))

	var buf bytes.Buffer
	report, err := e.exporter.ExportArchive(context.Background(), e.session.ID, "alice", &buf)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 3, report.Stats.TotalImages)
	assert.Equal(t, 1, report.Stats.ValidFiles)
	assert.Equal(t, 2, report.Stats.InvalidFiles)
	require.Len(t, report.Warnings, 2)

	r, err := archive.OpenReader(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, r.Has("images/img_000.png"))
	assert.False(t, r.Has("images/img_001.png"))
	assert.False(t, r.Has("images/img_002.png"))
}

// recordingTracker wraps MemoryTracker and keeps every merged update so the
// percentage sequence can be inspected.
type recordingTracker struct {
	*progress.MemoryTracker
	updates []progress.Update
}

func (r *recordingTracker) Update(ctx context.Context, key string, up progress.Update) (progress.Update, error) {
	merged, err := r.MemoryTracker.Update(ctx, key, up)
	r.updates = append(r.updates, merged)
	return merged, err
}

func TestExportBatchingAndMonotonicProgress(t *testing.T) {
	e := newEnv(t, Options{BatchSize: 10})
	e.seedImages(t, 237, 8)

	rec := &recordingTracker{MemoryTracker: progress.NewMemoryTracker()}
	e.exporter.tracker = rec

	var buf bytes.Buffer
	report, err := e.exporter.ExportArchive(context.Background(), e.session.ID, "alice", &buf)
	require.NoError(t, err)
	assert.Equal(t, 237, report.Processed)

	var processing int
	last := -1.0
	sawHundredBeforeComplete := false
	for _, up := range rec.updates {
		assert.GreaterOrEqual(t, up.Percentage, last, "percentage must never regress")
		last = up.Percentage
		if up.Status == progress.StatusProcessing {
			processing++
			if up.Percentage >= 100 {
				sawHundredBeforeComplete = true
			}
		}
	}
	assert.Equal(t, 237, processing, "one processing update per file")
	assert.False(t, sawHundredBeforeComplete, "100 is reserved for finalization")

	final := rec.updates[len(rec.updates)-1]
	assert.Equal(t, progress.StatusComplete, final.Status)
	assert.Equal(t, 100.0, final.Percentage)
}

func TestExportTimeoutIsFatalAndReported(t *testing.T) {
	e := newEnv(t, Options{Timeout: time.Nanosecond})
	e.seedImages(t, 2, 8)

	var buf bytes.Buffer
	_, err := e.exporter.ExportArchive(context.Background(), e.session.ID, "alice", &buf)
	require.Error(t, err)
}

func TestReadWithRetryGivesUpAfterLimit(t *testing.T) {
	e := newEnv(t, Options{MaxRetries: 2, RetryBaseDelay: time.Millisecond})

	start := time.Now()
	_, err := e.exporter.readWithRetry(context.Background(), filepath.Join(e.dataRoot, "nope.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunningPercentageCapsBelowHundred(t *testing.T) {
	assert.Equal(t, 0.0, runningPercentage(0, 0))
	assert.InDelta(t, 99.0, runningPercentage(10, 10), 0.001)
	assert.Less(t, runningPercentage(9, 10), 99.0)
}

func TestEstimateRemaining(t *testing.T) {
	assert.Equal(t, time.Duration(0), estimateRemaining(time.Second, 0, 10))
	assert.Equal(t, time.Duration(0), estimateRemaining(time.Second, 10, 10))
	assert.Equal(t, 9*time.Second, estimateRemaining(time.Second, 1, 10))
}

func TestBundleFilename(t *testing.T) {
	sess := session.New("My Cool Session!", "", "alice")
	fn := BundleFilename(sess, session.FormatFull)
	assert.Regexp(t, `^My_Cool_Session_\d{8}_\d{6}\.zip$`, fn)

	fn = BundleFilename(sess, session.FormatJSON)
	assert.Regexp(t, `\.json$`, fn)

	empty := session.New("***", "", "alice")
	assert.Regexp(t, `^session_`, BundleFilename(empty, session.FormatFull))
}
