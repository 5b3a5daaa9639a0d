package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"curator/internal/progress"
)

// streamGrace is how long an SSE stream lingers after a terminal update so
// slow clients still receive it before the channel tears down.
const streamGrace = 2 * time.Second

// handleGetProgress returns the latest progress snapshot for the
// requester's operation on a session.
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	key := progress.Key(sess.ID, requesterID(r))
	up, ok, err := s.tracker.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.jsonError(w, "no operation in progress", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, up)
}

// handleProgressStream streams progress updates over SSE until the client
// disconnects or the operation reaches a terminal state.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	sess, cerr := s.loadOwnedSession(r, r.PathValue("id"))
	if cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	key := progress.Key(sess.ID, requesterID(r))
	ch := s.publisher.Subscribe(key)
	defer s.publisher.Unsubscribe(key, ch)

	write := func(up progress.Update) bool {
		data, err := json.Marshal(up)
		if err != nil {
			return false
		}
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
		flusher.Flush()
		return !up.Status.IsTerminal()
	}

	// Send the current snapshot first so late subscribers catch up.
	if up, ok, _ := s.tracker.Get(r.Context(), key); ok {
		if !write(up) {
			time.Sleep(streamGrace)
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !write(event.Update) {
				// Terminal state: linger briefly, then tear down.
				select {
				case <-r.Context().Done():
				case <-time.After(streamGrace):
				}
				return
			}
		}
	}
}
