// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/transubtil/sharebox/internal/auth"
	"github.com/transubtil/sharebox/internal/catalog"
	"github.com/transubtil/sharebox/internal/config"
	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
	"github.com/transubtil/sharebox/internal/quota"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/sharing"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the components the server is built from.
type Deps struct {
	Session     *remote.Session
	Admin       *catalog.Catalog
	Uploads     *catalog.Catalog
	Shares      *sharing.Engine
	Submissions *quota.Store
	DB          Pinger
	Verifier    auth.Verifier

	Categories      map[string]config.Category
	PublicURLPrefix string
	ShareBaseURL    string
}

// Server is the HTTP server.
type Server struct {
	session     *remote.Session
	admin       *catalog.Catalog
	uploads     *catalog.Catalog
	shares      *sharing.Engine
	submissions *quota.Store
	db          Pinger
	verifier    auth.Verifier
	validate    *validator.Validate

	categories      map[string]config.Category
	publicURLPrefix string
	shareBaseURL    string
}

// NewServer creates a server over d.
func NewServer(d Deps) *Server {
	return &Server{
		session:         d.Session,
		admin:           d.Admin,
		uploads:         d.Uploads,
		shares:          d.Shares,
		submissions:     d.Submissions,
		db:              d.DB,
		verifier:        d.Verifier,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		categories:      d.Categories,
		publicURLPrefix: d.PublicURLPrefix,
		shareBaseURL:    d.ShareBaseURL,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authn := auth.Middleware(s.verifier)
	user := func(h http.HandlerFunc) http.Handler { return authn(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authn(auth.RequireAdmin(h)) }

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/share/{token}/info", s.handleShareInfo)
	mux.HandleFunc("GET /api/v1/share/{token}", s.handleShareDownload)

	// Admin file area
	mux.Handle("GET /api/v1/admin/files", admin(s.handleList))
	mux.Handle("GET /api/v1/admin/files/stat", admin(s.handleStat))
	mux.Handle("POST /api/v1/admin/files/upload", admin(s.handleAdminUpload))
	mux.Handle("GET /api/v1/admin/files/download", admin(s.handleAdminDownload))
	mux.Handle("DELETE /api/v1/admin/files", admin(s.handleDelete))
	mux.Handle("POST /api/v1/admin/files/move", admin(s.handleMove))
	mux.Handle("POST /api/v1/admin/files/folder", admin(s.handleCreateFolder))
	mux.Handle("GET /api/v1/admin/files/search", admin(s.handleSearch))

	// General uploads
	mux.Handle("POST /api/v1/uploads/{category}", user(s.handleCategoryUpload))
	mux.Handle("GET /api/v1/uploads", user(s.handleListSubmissions))
	mux.Handle("DELETE /api/v1/uploads/{id}", user(s.handleDeleteSubmission))

	// Share links; shared files live in the admin area.
	mux.Handle("POST /api/v1/shares", admin(s.handleCreateShareLink))
	mux.Handle("GET /api/v1/shares", user(s.handleListShareLinks))
	mux.Handle("POST /api/v1/shares/{id}/deactivate", user(s.handleDeactivateShareLink))
	mux.Handle("DELETE /api/v1/shares/{id}", user(s.handleDeleteShareLink))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{
		"status":   "ok",
		"remote":   s.session.State().String(),
		"database": "ok",
	}
	code := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, resp)
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		return errBadRequest(err.Error())
	}
	return nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
