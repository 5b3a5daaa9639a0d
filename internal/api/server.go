// Package api provides the REST API, SSE, and WebSocket server for curator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"curator/internal/bundle"
	"curator/internal/config"
	curatorerrors "curator/internal/errors"
	"curator/internal/export"
	"curator/internal/importer"
	"curator/internal/paths"
	"curator/internal/progress"
	"curator/internal/storage"
)

// defaultUser stands in when the client sends no X-User-ID header.
// Authentication itself is handled upstream; curator only needs a stable
// requester identity for ownership checks and progress keys.
const defaultUser = "anonymous"

// Server is the curator API server.
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	logger *slog.Logger

	store    storage.Store
	locker   *storage.SessionLocker
	resolver *paths.Resolver

	tracker   progress.Tracker
	publisher progress.Publisher
	wsHandler *WSHandler

	exporter *export.Exporter
	importer *importer.Importer
}

// Deps carries the collaborators the server routes requests to.
type Deps struct {
	Config    *config.Config
	Store     storage.Store
	Resolver  *paths.Resolver
	Tracker   progress.Tracker
	Publisher progress.Publisher
	Logger    *slog.Logger
}

// New creates the API server and wires its pipelines.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	publisher := d.Publisher
	if publisher == nil {
		publisher = progress.NewMemoryPublisher()
	}

	locker := storage.NewSessionLocker()

	exportOpts := export.Options{
		BatchSize:        cfg.Export.BatchSize,
		Concurrency:      int64(cfg.Export.Concurrency),
		MaxRetries:       cfg.Export.MaxRetries,
		RetryBaseDelay:   cfg.Export.RetryBaseDelay,
		MaxFileSize:      int64(cfg.Export.MaxFileSizeMB) * 1024 * 1024,
		Timeout:          cfg.Export.Timeout,
		MemoryLimitBytes: uint64(cfg.Export.MemoryLimitMB) * 1024 * 1024,
		GCInterval:       cfg.Export.GCInterval,
		ContinueOnError:  cfg.Export.ContinueOnError,
		CompressionLevel: cfg.Export.CompressionLevel,
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		store:     d.Store,
		locker:    locker,
		resolver:  d.Resolver,
		tracker:   d.Tracker,
		publisher: publisher,
		exporter:  export.New(d.Store, d.Resolver, d.Tracker, publisher, logger, exportOpts),
		importer:  importer.New(d.Store, d.Resolver, locker, d.Tracker, logger),
	}
	s.wsHandler = NewWSHandler(publisher, logger)

	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.Server.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	// Method-qualified patterns never match OPTIONS, so preflight
	// requests need their own route to reach the wrapper.
	s.mux.HandleFunc("OPTIONS /api/", cors(func(http.ResponseWriter, *http.Request) {}))

	// Health check
	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", cors(s.handleListSessions))
	s.mux.HandleFunc("POST /api/sessions", cors(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", cors(s.handleGetSession))
	s.mux.HandleFunc("PATCH /api/sessions/{id}", cors(s.handleUpdateSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", cors(s.handleDeleteSession))

	// Images
	s.mux.HandleFunc("GET /api/sessions/{id}/images", cors(s.handleListImages))
	s.mux.HandleFunc("POST /api/sessions/{id}/images", cors(s.handleUploadImage))
	s.mux.HandleFunc("GET /api/images/{id}", cors(s.handleGetImage))
	s.mux.HandleFunc("GET /api/images/{id}/file", cors(s.handleGetImageFile))
	s.mux.HandleFunc("PATCH /api/images/{id}", cors(s.handleUpdateImage))
	s.mux.HandleFunc("PUT /api/images/{id}/file", cors(s.handleReplaceImageFile))
	s.mux.HandleFunc("DELETE /api/images/{id}", cors(s.handleDeleteImage))

	// Export / import
	s.mux.HandleFunc("POST /api/sessions/{id}/export", cors(s.handleExport))
	s.mux.HandleFunc("POST /api/import", cors(s.handleImport))

	// Progress
	s.mux.HandleFunc("GET /api/sessions/{id}/progress", cors(s.handleGetProgress))
	s.mux.HandleFunc("GET /api/sessions/{id}/progress/stream", cors(s.handleProgressStream))

	// Path repair
	s.mux.HandleFunc("POST /api/repair", cors(s.handleRepair))

	// WebSocket for real-time updates
	s.mux.Handle("GET /api/ws", s.wsHandler)
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.cfg.Server.Addr)
	return http.ListenAndServe(s.cfg.Server.Addr, s.mux)
}

// StartContext starts the API server with context for graceful shutdown.
func (s *Server) StartContext(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		s.wsHandler.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", s.cfg.Server.Addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the route mux (for testing).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// requesterID extracts the acting user from the request.
func requesterID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return defaultUser
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps an error onto the right status code: CuratorErrors carry
// their own category, bundle validation failures are bad requests with the
// full field list, and everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if cerr := curatorerrors.AsCuratorError(err); cerr != nil {
		s.handleCuratorError(w, cerr)
		return
	}
	var verr *bundle.ValidationError
	if errors.As(err, &verr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  "invalid bundle",
			"fields": verr.Fields,
		})
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}

// handleCuratorError writes a structured JSON error response.
func (s *Server) handleCuratorError(w http.ResponseWriter, err *curatorerrors.CuratorError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	json.NewEncoder(w).Encode(err)
}
