package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/catalog"
	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
	"github.com/transubtil/sharebox/internal/remote"
)

// ─── Admin: Files ───────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	entries, err := s.admin.List(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"path":    cleanRel(p),
		"entries": entries,
	})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	e, err := s.admin.Stat(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

// handleAdminUpload handles POST /api/v1/admin/files/upload?path=<dir>.
// The multipart "file" part is streamed to <dir>/<filename>.
func (s *Server) handleAdminUpload(w http.ResponseWriter, r *http.Request) {
	part, name, err := filePart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer part.Close()

	e, err := s.admin.Upload(r.Context(), part, r.URL.Query().Get("path")+"/"+name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordContentUpload(e.Size)
	logging.WithContext(r.Context()).Info("admin upload",
		zap.String("path", e.Path),
		zap.Int64("size", e.Size),
		zap.String("user", principal(r).Username))

	sendJSON(w, http.StatusCreated, e)
}

func (s *Server) handleAdminDownload(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	e, err := s.admin.Stat(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if e.IsDir() {
		sendError(w, http.StatusBadRequest, "path is a directory")
		return
	}
	s.streamFile(w, r, s.admin, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if err := s.admin.Delete(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"path":    cleanRel(p),
		"deleted": true,
	})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from" validate:"required"`
		To   string `json:"to" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.admin.Move(r.Context(), req.From, req.To); err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"from": cleanRel(req.From),
		"to":   cleanRel(req.To),
	})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.admin.CreateDirectory(r.Context(), req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, e)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.admin.Search(r.Context(), q.Get("path"), q.Get("q"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

// streamFile writes the file described by e as an attachment. Failures
// after the header is sent can only be logged.
func (s *Server) streamFile(w http.ResponseWriter, r *http.Request, c *catalog.Catalog, e remote.FileEntry) {
	ct := mime.TypeByExtension(path.Ext(e.Name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": e.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(e.Size, 10))
	w.WriteHeader(http.StatusOK)

	n, err := c.CopyTo(r.Context(), e.Path, w)
	if err != nil {
		logging.WithContext(r.Context()).Warn("transfer error",
			zap.String("path", e.Path),
			zap.Int64("sent", n),
			zap.Error(err))
	}
	metrics.RecordContentDownload(n)
}

// filePart returns the multipart part named "file" and its sanitized
// filename. The caller closes the part.
func filePart(r *http.Request) (*multipart.Part, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", errBadRequest("multipart form expected")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errBadRequest(`missing "file" part`)
		}
		if err != nil {
			return nil, "", errBadRequest("malformed multipart body")
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		name := sanitizeFilename(part.FileName())
		if name == "" {
			part.Close()
			return nil, "", errBadRequest("file name required")
		}
		return part, name, nil
	}
}

// sanitizeFilename keeps the last element of a client supplied name.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return strings.TrimSpace(name)
}

func cleanRel(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
}
