package paths

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	curatorerrors "curator/internal/errors"
	"curator/internal/image"
	"curator/internal/session"
	"curator/internal/storage"
)

type fixture struct {
	resolver *Resolver
	store    *storage.SQLiteStore
	dataRoot string
	session  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewTestStore(t)
	dataRoot := t.TempDir()

	sess := session.New("Paths", "", "alice")
	require.NoError(t, store.CreateSession(context.Background(), sess))

	return &fixture{
		resolver: NewResolver(dataRoot, store, nil),
		store:    store,
		dataRoot: dataRoot,
		session:  sess,
	}
}

func (f *fixture) addImage(t *testing.T, filename, storedPath string) *image.Record {
	t.Helper()
	rec := &image.Record{
		ID:               "img-" + filename,
		SessionID:        f.session.ID,
		Filename:         filename,
		OriginalFilename: filename,
		FilePath:         storedPath,
		Generator:        image.GeneratorOther,
		UploadedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateImage(context.Background(), rec))
	return rec
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0644))
}

func TestResolveStoredPathDirect(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "a.png", CanonicalRelPath(f.session.ID, "a.png"))
	writeFile(t, f.resolver.Canonical(rec))

	got, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, f.resolver.Canonical(rec), got)
	// Primary hit: no heal needed.
	assert.Equal(t, CanonicalRelPath(f.session.ID, "a.png"), rec.FilePath)
}

func TestResolveHealsLegacyAbsolutePath(t *testing.T) {
	f := newFixture(t)
	// Stored path is absolute and stale; the file physically exists only
	// at the canonical location.
	rec := f.addImage(t, "b.png", "/old/machine/data/b.png")
	writeFile(t, f.resolver.Canonical(rec))

	got, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, f.resolver.Canonical(rec), got)

	// Stored path rewritten to the canonical relative form.
	stored, err := f.store.GetImage(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, CanonicalRelPath(f.session.ID, "b.png"), stored.FilePath)
}

func TestResolveLegacySessionFolder(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "c.png", "bogus/c.png")
	legacy := filepath.Join(f.dataRoot, SessionsDir, f.session.ID, "c.png")
	writeFile(t, legacy)

	got, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, legacy, got)

	stored, _ := f.store.GetImage(context.Background(), rec.ID)
	assert.Equal(t, filepath.Join(SessionsDir, f.session.ID, "c.png"), stored.FilePath)
}

func TestResolveFilenameAtDataRoot(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "d.png", "")
	writeFile(t, filepath.Join(f.dataRoot, "d.png"))

	got, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dataRoot, "d.png"), got)
}

func TestResolveMissingEnumeratesTriedPaths(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "gone.png", "sessions/x/images/gone.png")

	_, err := f.resolver.Resolve(context.Background(), rec)
	require.Error(t, err)

	cerr := curatorerrors.AsCuratorError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, curatorerrors.CodeFileNotFound, cerr.Code)
	assert.GreaterOrEqual(t, len(cerr.Paths), 4, "every candidate location should be listed")
	assert.Contains(t, cerr.Paths, f.resolver.Canonical(rec))
}

func TestHealIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "e.png", "/stale/e.png")
	writeFile(t, f.resolver.Canonical(rec))

	_, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	healed, _ := f.store.GetImage(context.Background(), rec.ID)

	// Second resolve finds the stored path directly and changes nothing.
	_, err = f.resolver.Resolve(context.Background(), healed)
	require.NoError(t, err)
	again, _ := f.store.GetImage(context.Background(), rec.ID)
	assert.Equal(t, healed.FilePath, again.FilePath)
}

func TestRepairAllCopiesToCanonical(t *testing.T) {
	f := newFixture(t)
	rec := f.addImage(t, "f.png", "")
	strayPath := filepath.Join(f.dataRoot, "f.png")
	writeFile(t, strayPath)

	report, err := f.resolver.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ImagesScanned)
	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, 1, report.Healed)
	assert.Equal(t, 0, report.Missing)

	// Original left intact, copy present at canonical.
	assert.FileExists(t, strayPath)
	assert.FileExists(t, f.resolver.Canonical(rec))

	stored, _ := f.store.GetImage(context.Background(), rec.ID)
	assert.Equal(t, CanonicalRelPath(f.session.ID, "f.png"), stored.FilePath)
}

func TestRepairAllIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "g.png", "")
	writeFile(t, filepath.Join(f.dataRoot, "g.png"))

	first, err := f.resolver.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Healed)

	second, err := f.resolver.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Healed, "second pass must change nothing")
	assert.Equal(t, 0, second.Copied)
}

func TestRepairAllReportsMissingFiles(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "ghost.png", "sessions/nowhere/ghost.png")

	report, err := f.resolver.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "ghost.png")
}
