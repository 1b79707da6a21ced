package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/sharing"
)

// ─── Share Links ────────────────────────────────────────────────────────────

type shareLinkResponse struct {
	sharing.ShareLink
	URL         string `json:"url"`
	HasPassword bool   `json:"has_password"`
}

type shareInfoResponse struct {
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	FileName      string     `json:"file_name,omitempty"`
	FileSize      int64      `json:"file_size,omitempty"`
	HasPassword   bool       `json:"has_password"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxDownloads  *int       `json:"max_downloads,omitempty"`
	DownloadCount int        `json:"download_count"`
}

// reasonStatus is the status returned by the public download endpoint for
// each validation failure.
var reasonStatus = map[sharing.Reason]int{
	sharing.ReasonNotFound:         http.StatusNotFound,
	sharing.ReasonDeactivated:      http.StatusGone,
	sharing.ReasonExpired:          http.StatusGone,
	sharing.ReasonLimitReached:     http.StatusGone,
	sharing.ReasonPasswordRequired: http.StatusUnauthorized,
	sharing.ReasonInvalidPassword:  http.StatusForbidden,
}

func (s *Server) shareURL(r *http.Request, token string) string {
	if s.shareBaseURL != "" {
		return strings.TrimSuffix(s.shareBaseURL, "/") + "/" + token
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/v1/share/%s", scheme, r.Host, token)
}

func (s *Server) linkResponse(r *http.Request, l sharing.ShareLink) shareLinkResponse {
	return shareLinkResponse{
		ShareLink:   l,
		URL:         s.shareURL(r, l.Token),
		HasPassword: l.HasPassword(),
	}
}

// handleCreateShareLink handles POST /api/v1/shares for a file in the admin
// area.
func (s *Server) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path" validate:"required"`
		// Capped so the duration in nanoseconds fits in an int64.
		ExpiresInMs  *int64 `json:"expires_in_ms" validate:"omitempty,gte=0,lte=9223372036854"`
		Password     string `json:"password" validate:"max=72"`
		MaxDownloads *int   `json:"max_downloads" validate:"omitempty,gte=1"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	e, err := s.admin.Stat(r.Context(), req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if e.IsDir() {
		sendError(w, http.StatusBadRequest, "only files can be shared")
		return
	}

	opts := sharing.Options{
		Password:     req.Password,
		MaxDownloads: req.MaxDownloads,
	}
	if req.ExpiresInMs != nil {
		d := time.Duration(*req.ExpiresInMs) * time.Millisecond
		opts.ExpiresIn = &d
	}

	owner := principal(r)
	link, err := s.shares.CreateLink(r.Context(), sharing.CreateParams{
		FilePath: e.Path,
		FileName: e.Name,
		FileSize: e.Size,
		OwnerID:  owner.ID,
	}, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sendJSON(w, http.StatusCreated, s.linkResponse(r, *link))
}

func (s *Server) handleListShareLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.shares.ListByOwner(r.Context(), principal(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]shareLinkResponse, 0, len(links))
	for _, l := range links {
		resp = append(resp, s.linkResponse(r, l))
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeactivateShareLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.shares.Deactivate(r.Context(), id, principal(r).ID); err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"is_active": false,
	})
}

func (s *Server) handleDeleteShareLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.shares.Delete(r.Context(), id, principal(r).ID); err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"deleted": true,
	})
}

func sharePassword(r *http.Request) string {
	if p := r.Header.Get("X-Share-Password"); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}

// handleShareInfo handles GET /api/v1/share/{token}/info. It never counts
// as a download.
func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	v, err := s.shares.Validate(r.Context(), token, sharePassword(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := shareInfoResponse{Valid: v.Valid, Reason: string(v.Reason)}
	if l := v.Link; l != nil {
		resp.HasPassword = l.HasPassword()
		resp.ExpiresAt = l.ExpiresAt
		resp.MaxDownloads = l.MaxDownloads
		resp.DownloadCount = l.DownloadCount
		switch v.Reason {
		case "", sharing.ReasonPasswordRequired, sharing.ReasonInvalidPassword:
			resp.FileName = l.FileName
			resp.FileSize = l.FileSize
		}
	}

	if v.Valid {
		if err := s.shares.Touch(r.Context(), token); err != nil {
			logging.WithContext(r.Context()).Warn("record share access", zap.Error(err))
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleShareDownload handles GET /api/v1/share/{token}. The download is
// counted before the transfer starts so concurrent requests cannot exceed
// the quota.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	v, err := s.shares.Validate(r.Context(), token, sharePassword(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !v.Valid {
		sendError(w, reasonStatus[v.Reason], "share link "+string(v.Reason))
		return
	}

	e, err := s.admin.Stat(r.Context(), v.Link.FilePath)
	if errors.Is(err, remote.ErrNotFound) || (err == nil && e.IsDir()) {
		sendError(w, http.StatusNotFound, "shared file not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.shares.RecordDownload(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Info("share download",
		zap.String("link_id", v.Link.ID),
		zap.String("path", e.Path))
	s.streamFile(w, r, s.admin, e)
}
