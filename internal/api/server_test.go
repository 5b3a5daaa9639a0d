package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/archive"
	"curator/internal/bundle"
	"curator/internal/config"
	"curator/internal/importer"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/session"
	"curator/internal/storage"
)

type testServer struct {
	srv      *Server
	store    *storage.SQLiteStore
	tracker  *progress.MemoryTracker
	dataRoot string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewTestStore(t)
	dataRoot := t.TempDir()
	tracker := progress.NewMemoryTracker()

	cfg := config.Default()
	cfg.DataRoot = dataRoot

	srv := New(Deps{
		Config:   cfg,
		Store:    store,
		Resolver: paths.NewResolver(dataRoot, store, nil),
		Tracker:  tracker,
	})
	return &testServer{srv: srv, store: store, tracker: tracker, dataRoot: dataRoot}
}

// do runs a request as the given user and returns the recorder.
func (ts *testServer) do(method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) createSession(t *testing.T, name, user string) *session.Session {
	t.Helper()
	body := bytes.NewBufferString(fmt.Sprintf(`{"name":%q}`, name))
	w := ts.do("POST", "/api/sessions", user, body, "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return &sess
}

// uploadImage posts a multipart upload and returns the decoded record ID.
func (ts *testServer) uploadImage(t *testing.T, sessionID, user, filename string, metadata string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("pixels"))
	require.NoError(t, err)
	if metadata != "" {
		require.NoError(t, mw.WriteField("metadata", metadata))
	}
	require.NoError(t, mw.Close())

	w := ts.do("POST", "/api/sessions/"+sessionID+"/images", user, &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rec struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec.ID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("GET", "/api/health", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSessionCRUD(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Mine", "alice")

	w := ts.do("GET", "/api/sessions/"+sess.ID, "alice", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do("PATCH", "/api/sessions/"+sess.ID, "alice",
		bytes.NewBufferString(`{"description":"updated"}`), "application/json")
	assert.Equal(t, http.StatusOK, w.Code)
	var updated session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "updated", updated.Description)

	w = ts.do("GET", "/api/sessions", "alice", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []*session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 1)

	w = ts.do("DELETE", "/api/sessions/"+sess.ID, "alice", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do("GET", "/api/sessions/"+sess.ID, "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForeignSessionLooksMissing(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Private", "alice")

	for _, method := range []string{"GET", "DELETE"} {
		w := ts.do(method, "/api/sessions/"+sess.ID, "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, method)
	}
	w := ts.do("GET", "/api/sessions", "mallory", nil, "")
	var list struct {
		Sessions []*session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Sessions)
}

func TestCreateSessionRejectsEmptyName(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("POST", "/api/sessions", "alice", bytes.NewBufferString(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImageUploadAndServe(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Pics", "alice")
	id := ts.uploadImage(t, sess.ID, "alice", "cat.png",
		`{"prompt":"a cat","generator_used":"dalle","tags":["cat"]}`)

	w := ts.do("GET", "/api/images/"+id, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec struct {
		OriginalFilename string `json:"original_filename"`
		Prompt           string `json:"prompt"`
		Generator        string `json:"generator_used"`
		FilePath         string `json:"file_path"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "cat.png", rec.OriginalFilename)
	assert.Equal(t, "a cat", rec.Prompt)
	assert.Equal(t, "dalle", rec.Generator)
	assert.NotContains(t, rec.FilePath, ts.dataRoot, "stored path must stay relative")

	w = ts.do("GET", "/api/images/"+id+"/file", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pixels", w.Body.String())

	// Session image count tracked the upload.
	w = ts.do("GET", "/api/sessions/"+sess.ID, "alice", nil, "")
	var got session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.ImageCount)
}

func TestImageFileMissingListsTriedPaths(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Pics", "alice")
	id := ts.uploadImage(t, sess.ID, "alice", "gone.png", "")

	// Remove the backing file out from under the record.
	require.NoError(t, os.RemoveAll(filepath.Join(ts.dataRoot, "sessions")))

	w := ts.do("GET", "/api/images/"+id+"/file", "alice", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Paths, "the error must enumerate attempted locations")
}

func TestForeignImageLooksMissing(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Pics", "alice")
	id := ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("GET", "/api/images/"+id, "mallory", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImageMetadataUpdate(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Pics", "alice")
	id := ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("PATCH", "/api/images/"+id, "alice",
		bytes.NewBufferString(`{"quality_rating":5,"notes":"keeper"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("PATCH", "/api/images/"+id, "alice",
		bytes.NewBufferString(`{"quality_rating":9}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImageDelete(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Pics", "alice")
	id := ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("DELETE", "/api/images/"+id, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("GET", "/api/sessions/"+sess.ID, "alice", nil, "")
	var got session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 0, got.ImageCount)
}

func TestExportJSONMode(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "ToExport", "alice")
	ts.uploadImage(t, sess.ID, "alice", "cat.png", `{"prompt":"a cat"}`)

	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"json"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".json")

	b, err := bundle.Validate(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, b.Images, 1)
	assert.Equal(t, bundle.ImagesPrefix+b.Images[0].Filename, b.Images[0].FilePath)

	// Export history appended, status flipped.
	w = ts.do("GET", "/api/sessions/"+sess.ID, "alice", nil, "")
	var got session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.ExportHistory, 1)
	assert.Equal(t, session.FormatJSON, got.ExportHistory[0].Format)
	assert.Equal(t, session.StatusExported, got.Status)
}

func TestExportFullMode(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "ToExport", "alice")
	ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"full"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".zip")

	r, err := archive.OpenReader(w.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, r.Has(bundle.MetadataFilename))
	require.Len(t, r.Entries(), 2)
}

func TestExportFullModeNoImages(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Empty", "alice")

	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"full"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no images to export")
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}

func TestExportUnknownMode(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "X", "alice")
	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"tarball"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// importBody builds the multipart body for an import request.
func importBody(t *testing.T, filename string, data []byte, opts importer.Options) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)

	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("options", string(optsJSON)))
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestImportRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "Source", "alice")
	ts.uploadImage(t, sess.ID, "alice", "cat.png", `{"prompt":"a cat"}`)

	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"full"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	body, ctype := importBody(t, "export.zip", w.Body.Bytes(), importer.Options{Mode: importer.ModeNew})
	w = ts.do("POST", "/api/import", "alice", body, ctype)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result importer.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Imported)
	assert.NotEqual(t, sess.ID, result.SessionID)

	w = ts.do("GET", "/api/sessions/"+result.SessionID, "alice", nil, "")
	var imported session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imported))
	assert.Equal(t, "Source (Imported)", imported.Name)
}

func TestImportRejectsInvalidBundle(t *testing.T) {
	ts := newTestServer(t)
	body, ctype := importBody(t, "junk.zip", []byte("not an archive"), importer.Options{Mode: importer.ModeNew})
	w := ts.do("POST", "/api/import", "alice", body, ctype)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportValidationErrorsListFields(t *testing.T) {
	ts := newTestServer(t)
	invalid := []byte(`{"session":{},"images":[],"export_timestamp":"x","export_version":"1.0.0"}`)
	body, ctype := importBody(t, "bad.json", invalid, importer.Options{Mode: importer.ModeNew})
	w := ts.do("POST", "/api/import", "alice", body, ctype)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "session.name")
}

func TestProgressPoll(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "P", "alice")

	w := ts.do("GET", "/api/sessions/"+sess.ID+"/progress", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := ts.tracker.Update(context.Background(), progress.Key(sess.ID, "alice"), progress.Update{
		Status:      progress.StatusProcessing,
		TotalImages: 10,
		Percentage:  40,
	})
	require.NoError(t, err)

	w = ts.do("GET", "/api/sessions/"+sess.ID+"/progress", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var up progress.Update
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, progress.StatusProcessing, up.Status)
	assert.Equal(t, 40.0, up.Percentage)
}

func TestProgressStreamPreflight(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "P", "alice")

	w := ts.do("OPTIONS", "/api/sessions/"+sess.ID+"/progress/stream", "alice", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestProgressAfterExport(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "P", "alice")
	ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("POST", "/api/sessions/"+sess.ID+"/export", "alice",
		bytes.NewBufferString(`{"mode":"full"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("GET", "/api/sessions/"+sess.ID+"/progress", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var up progress.Update
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, progress.StatusComplete, up.Status)
	assert.Equal(t, 100.0, up.Percentage)
}

func TestRepairEndpoint(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "R", "alice")
	ts.uploadImage(t, sess.ID, "alice", "cat.png", "")

	w := ts.do("POST", "/api/repair", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var report paths.RepairReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.ImagesScanned)
	assert.Equal(t, 0, report.Missing)
}
