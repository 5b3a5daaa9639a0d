package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	curatorerrors "curator/internal/errors"
	"curator/internal/image"
	"curator/internal/paths"
	"curator/internal/storage"
	"curator/internal/util"
)

// uploadMeta is the optional metadata form field accompanying an upload.
type uploadMeta struct {
	Prompt        string             `json:"prompt"`
	Generator     string             `json:"generator_used"`
	Settings      string             `json:"generation_settings"`
	Description   string             `json:"description"`
	AIScores      map[string]float64 `json:"ai_scores"`
	QualityRating int                `json:"quality_rating"`
	Tags          []string           `json:"tags"`
	Notes         string             `json:"notes"`
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}
	images, err := s.store.ListImages(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"images": images})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

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

	var meta uploadMeta
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			s.jsonError(w, "invalid metadata field: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	rec := &image.Record{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		Filename:         image.NewStoredFilename(header.Filename),
		OriginalFilename: header.Filename,
		FileSize:         int64(len(data)),
		Dimensions:       decodeDimensions(data),
		Prompt:           meta.Prompt,
		Generator:        image.ParseGenerator(meta.Generator),
		Settings:         meta.Settings,
		Description:      meta.Description,
		AIScores:         meta.AIScores,
		QualityRating:    meta.QualityRating,
		Tags:             meta.Tags,
		Notes:            meta.Notes,
		UploadedAt:       time.Now().UTC(),
		UploadedBy:       requesterID(r),
	}
	rec.FilePath = paths.CanonicalRelPath(sess.ID, rec.Filename)
	if err := rec.Validate(); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	abs := filepath.Join(s.resolver.DataRoot(), rec.FilePath)
	if err := util.AtomicWriteFile(abs, data, 0644); err != nil {
		s.writeError(w, err)
		return
	}

	s.locker.Lock(sess.ID)
	err = s.store.CreateImage(r.Context(), rec)
	s.locker.Unlock(sess.ID)
	if err != nil {
		os.Remove(abs)
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, rec)
}

// decodeDimensions sniffs pixel dimensions from the uploaded bytes. Formats
// the stdlib cannot decode get zero dimensions, which is fine.
func decodeDimensions(data []byte) image.Dimensions {
	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Dimensions{}
	}
	return image.Dimensions{Width: cfg.Width, Height: cfg.Height}
}

// loadOwnedImage loads an image record and enforces session ownership.
func (s *Server) loadOwnedImage(r *http.Request, id string) (*image.Record, *curatorerrors.CuratorError) {
	rec, err := s.store.GetImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, curatorerrors.ErrImageNotFound(id)
		}
		return nil, curatorerrors.Wrap(err, "load image")
	}
	if _, cerr := s.loadOwnedSession(r, rec.SessionID); cerr != nil {
		// The image exists but its session is not the requester's; keep
		// the response shape identical to a missing image.
		return nil, curatorerrors.ErrImageNotFound(id)
	}
	return rec, nil
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	rec, cerr := s.loadOwnedImage(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}
	s.jsonResponse(w, rec)
}

// handleGetImageFile serves the backing file through the path resolver, so
// records with stale stored paths still serve (and heal) on first request.
// A miss reports every attempted location.
func (s *Server) handleGetImageFile(w http.ResponseWriter, r *http.Request) {
	rec, cerr := s.loadOwnedImage(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	path, err := s.resolver.Resolve(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if ctype := mime.TypeByExtension(filepath.Ext(rec.Filename)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	rec, cerr := s.loadOwnedImage(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	var req struct {
		Prompt        *string             `json:"prompt"`
		Generator     *string             `json:"generator_used"`
		Settings      *string             `json:"generation_settings"`
		Description   *string             `json:"description"`
		AIScores      *map[string]float64 `json:"ai_scores"`
		QualityRating *int                `json:"quality_rating"`
		Tags          *[]string           `json:"tags"`
		Notes         *string             `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Prompt != nil {
		rec.Prompt = *req.Prompt
	}
	if req.Generator != nil {
		rec.Generator = image.ParseGenerator(*req.Generator)
	}
	if req.Settings != nil {
		rec.Settings = *req.Settings
	}
	if req.Description != nil {
		rec.Description = *req.Description
	}
	if req.AIScores != nil {
		rec.AIScores = *req.AIScores
	}
	if req.QualityRating != nil {
		rec.QualityRating = *req.QualityRating
	}
	if req.Tags != nil {
		rec.Tags = *req.Tags
	}
	if req.Notes != nil {
		rec.Notes = *req.Notes
	}
	if err := rec.Validate(); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateImage(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, rec)
}

// handleReplaceImageFile swaps the backing file while preserving the record
// identity and annotation metadata. Only size, dimensions, and the original
// filename change.
func (s *Server) handleReplaceImageFile(w http.ResponseWriter, r *http.Request) {
	rec, cerr := s.loadOwnedImage(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

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

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, err)
		return
	}

	abs := filepath.Join(s.resolver.DataRoot(), paths.CanonicalRelPath(rec.SessionID, rec.Filename))
	if err := util.AtomicWriteFile(abs, data, 0644); err != nil {
		s.writeError(w, err)
		return
	}

	rec.OriginalFilename = header.Filename
	rec.FileSize = int64(len(data))
	rec.Dimensions = decodeDimensions(data)
	rec.FilePath = paths.CanonicalRelPath(rec.SessionID, rec.Filename)
	if err := s.store.UpdateImage(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, rec)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	rec, cerr := s.loadOwnedImage(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	s.locker.Lock(rec.SessionID)
	err := s.store.DeleteImage(r.Context(), rec.ID)
	s.locker.Unlock(rec.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Backing file removal is best-effort.
	if path, rerr := s.resolver.Resolve(r.Context(), rec); rerr == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("could not remove image file", "path", path, "error", err)
		}
	}

	s.jsonResponse(w, map[string]string{"status": "deleted", "image_id": rec.ID})
}
