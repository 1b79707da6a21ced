package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
	"github.com/transubtil/sharebox/internal/quota"
	"github.com/transubtil/sharebox/internal/remote"
)

const (
	// sniffLen is how much of an upload is buffered for content detection.
	sniffLen = 3072

	// multipartOverhead is allowed on top of a category's size limit for
	// multipart framing.
	multipartOverhead = 1 << 20
)

var errTooLarge = errors.New("upload exceeds size limit")

// capReader fails with errTooLarge once more than remaining bytes are read.
type capReader struct {
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}

// handleCategoryUpload handles POST /api/v1/uploads/{category}. The stored
// name is <uuid>-<filename> so uploads never overwrite each other. Each
// stored file holds one of the caller's active-submission slots until it
// is deleted.
func (s *Server) handleCategoryUpload(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	policy, ok := s.categories[category]
	if !ok {
		sendError(w, http.StatusNotFound, "unknown upload category: "+category)
		return
	}

	limit := policy.MaxSize
	if r.ContentLength > limit+multipartOverhead {
		sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", limit))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	owner := principal(r).ID
	if err := s.submissions.Reserve(r.Context(), owner); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			metrics.RecordQuotaExceeded("submissions")
		}
		writeError(w, r, err)
		return
	}
	kept := false
	defer func() {
		if kept {
			return
		}
		if err := s.submissions.Release(context.WithoutCancel(r.Context()), owner); err != nil {
			logging.WithContext(r.Context()).Warn("release submission slot", zap.Error(err))
		}
	}()

	part, name, err := filePart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer part.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.uploadFailed(w, r, err, limit)
		return
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	if !policy.Allows(detected.String()) {
		sendError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("content type %s is not allowed for %s", detected.String(), category))
		return
	}

	id := uuid.NewString()
	rel := category + "/" + id + "-" + name
	body := &capReader{r: io.MultiReader(bytes.NewReader(head), part), remaining: limit}
	e, err := s.uploads.Upload(r.Context(), body, rel)
	if err != nil {
		if isTooLarge(err) {
			s.removeUpload(r, rel)
		}
		s.uploadFailed(w, r, err, limit)
		return
	}

	sub := &quota.Submission{
		ID:          id,
		OwnerID:     owner,
		Category:    category,
		Path:        e.Path,
		ContentType: detected.String(),
		Size:        e.Size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.submissions.Record(r.Context(), sub); err != nil {
		s.removeUpload(r, rel)
		writeError(w, r, err)
		return
	}
	kept = true

	metrics.RecordContentUpload(e.Size)
	logging.WithContext(r.Context()).Info("file uploaded",
		zap.String("category", category),
		zap.String("path", e.Path),
		zap.String("content_type", detected.String()),
		zap.Int64("size", e.Size))

	resp := map[string]any{
		"id":           id,
		"entry":        e,
		"content_type": detected.String(),
	}
	if u := s.publicURL(e.Path); u != "" {
		resp["url"] = u
	}
	sendJSON(w, http.StatusCreated, resp)
}

type submissionResponse struct {
	quota.Submission
	URL string `json:"url,omitempty"`
}

// handleListSubmissions handles GET /api/v1/uploads: the caller's stored
// uploads and their quota usage.
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	owner := principal(r).ID
	subs, err := s.submissions.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	active, err := s.submissions.Active(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]submissionResponse, 0, len(subs))
	for _, sub := range subs {
		items = append(items, submissionResponse{Submission: sub, URL: s.publicURL(sub.Path)})
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"submissions": items,
		"active":      active,
		"max_active":  s.submissions.MaxActive(),
	})
}

// handleDeleteSubmission handles DELETE /api/v1/uploads/{id}. The file is
// removed from the uploads area and its slot is freed.
func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := principal(r).ID

	sub, err := s.submissions.Get(r.Context(), id, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.uploads.Delete(r.Context(), sub.Path); err != nil && !errors.Is(err, remote.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	if err := s.submissions.Remove(r.Context(), id, owner); err != nil {
		writeError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Info("submission deleted",
		zap.String("id", id),
		zap.String("path", sub.Path))
	sendJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"deleted": true,
	})
}

func (s *Server) publicURL(p string) string {
	if s.publicURLPrefix == "" {
		return ""
	}
	return strings.TrimSuffix(s.publicURLPrefix, "/") + p
}

// removeUpload deletes a file whose upload did not complete.
func (s *Server) removeUpload(r *http.Request, rel string) {
	if err := s.uploads.Delete(context.WithoutCancel(r.Context()), rel); err != nil {
		logging.WithContext(r.Context()).Warn("remove partial upload",
			zap.String("path", rel), zap.Error(err))
	}
}

func (s *Server) uploadFailed(w http.ResponseWriter, r *http.Request, err error, limit int64) {
	if isTooLarge(err) {
		sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", limit))
		return
	}
	writeError(w, r, err)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.Is(err, errTooLarge) || errors.As(err, &mbe)
}
