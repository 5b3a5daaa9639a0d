package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	curatorerrors "curator/internal/errors"
	"curator/internal/paths"
	"curator/internal/session"
	"curator/internal/storage"
)

// loadOwnedSession loads a session and enforces ownership. Foreign sessions
// look exactly like missing ones.
func (s *Server) loadOwnedSession(r *http.Request, id string) (*session.Session, *curatorerrors.CuratorError) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, curatorerrors.ErrSessionNotFound(id)
		}
		return nil, curatorerrors.Wrap(err, "load session")
	}
	if sess.User != requesterID(r) {
		return nil, curatorerrors.ErrSessionDenied(id)
	}
	return sess, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), requesterID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess := session.New(req.Name, req.Description, requesterID(r))
	if err := sess.Validate(); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}
	s.jsonResponse(w, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name != nil {
		sess.Name = *req.Name
	}
	if req.Description != nil {
		sess.Description = *req.Description
	}
	if req.Status != nil {
		sess.Status = session.Status(*req.Status)
	}
	if err := sess.Validate(); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateSession(r.Context(), sess); err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	s.locker.Lock(sess.ID)
	defer s.locker.Unlock(sess.ID)

	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		s.writeError(w, err)
		return
	}

	// Image files go best-effort; the records are already gone.
	dir := filepath.Join(s.resolver.DataRoot(), paths.SessionsDir, sess.ID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("could not remove session images", "dir", dir, "error", err)
	}

	s.jsonResponse(w, map[string]string{"status": "deleted", "session_id": sess.ID})
}
