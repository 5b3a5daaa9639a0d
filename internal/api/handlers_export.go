package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"curator/internal/export"
	"curator/internal/importer"
	"curator/internal/session"
)

// handleExport produces a bundle for a session. JSON mode returns the
// metadata document; full mode streams a zip archive. Both carry an
// attachment disposition so the browser downloads them, and both append an
// export record to the session's history.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}
	userID := requesterID(r)

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Mode {
	case "json":
		b, err := s.exporter.ExportJSON(r.Context(), sess.ID, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filename := export.BundleFilename(sess, session.FormatJSON)
		s.recordExport(r, sess, userID, session.FormatJSON, filename, len(b.Images))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(b)

	case "full", "":
		filename := export.BundleFilename(sess, session.FormatFull)
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

		// Track whether archive bytes have hit the wire: before the first
		// byte a failure can still become a proper error response.
		cw := &countingWriter{w: w}
		report, err := s.exporter.ExportArchive(r.Context(), sess.ID, userID, cw)
		if err != nil {
			if cw.n == 0 {
				w.Header().Del("Content-Disposition")
				w.Header().Del("Content-Type")
				s.writeError(w, err)
				return
			}
			// Mid-stream failure: the status line is gone, all we can do
			// is log and let the truncated stream signal the client.
			s.logger.Error("export stream aborted", "session", sess.ID, "error", err)
			return
		}
		s.recordExport(r, sess, userID, session.FormatFull, filename, report.Processed)

	default:
		s.jsonError(w, fmt.Sprintf("unknown export mode %q", req.Mode), http.StatusBadRequest)
	}
}

// recordExport appends an export record to the session history. Failures
// are logged; the client already has its bundle.
func (s *Server) recordExport(r *http.Request, sess *session.Session, userID string, format session.ExportFormat, filename string, imageCount int) {
	s.locker.Lock(sess.ID)
	defer s.locker.Unlock(sess.ID)

	sess.RecordExport(userID, format, filename, imageCount)
	if err := s.store.UpdateSession(r.Context(), sess); err != nil {
		s.logger.Warn("could not record export in session history", "session", sess.ID, "error", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// handleImport accepts a multipart upload: a "file" part holding the bundle
// and an optional "options" part holding the import options JSON.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	maxUpload := int64(s.cfg.Server.MaxUploadMB) * 1024 * 1024
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		s.jsonError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUpload+1))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if int64(len(data)) > maxUpload {
		s.jsonError(w, fmt.Sprintf("upload exceeds %d MB limit", s.cfg.Server.MaxUploadMB), http.StatusRequestEntityTooLarge)
		return
	}

	opts := importer.Options{Mode: importer.ModeNew, DuplicateStrategy: importer.StrategySkip}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			s.jsonError(w, "invalid options field: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	result, err := s.importer.Import(r.Context(), header.Filename, data, opts, requesterID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

// handleRepair runs the offline path-recovery pass over every session.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.resolver.RepairAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, report)
}
