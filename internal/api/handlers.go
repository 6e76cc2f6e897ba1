package api

import (
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shineum/smtp-sink-lite/internal/store"
)

// handleList serves GET /api/email.
func (s *Server) handleList(c *gin.Context) {
	records, err := s.archive.List(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list emails")
		return
	}
	c.Render(http.StatusOK, jsonRender{Data: records})
}

// handleStream serves GET /api/email/stream. Records are written one at a
// time as the cursor advances. A cursor error after the first byte leaves
// the array unterminated.
func (s *Server) handleStream(c *gin.Context) {
	next, stop := iter.Pull2(s.archive.Stream(c.Request.Context()))
	defer stop()

	rec, err, ok := next()
	if err != nil {
		s.fail(c, err, "failed to stream emails")
		return
	}

	c.Header("Content-Type", contentTypeJSON)
	c.Status(http.StatusOK)
	w := c.Writer

	_, _ = w.WriteString("[")
	for first := true; ok; first = false {
		if !first {
			_, _ = w.WriteString(",")
		}
		b, err := jsonAPI.Marshal(rec)
		if err != nil {
			slog.Error("failed to encode streamed email", "id", rec.ID, "error", err)
			abortResponse(w)
			return
		}
		if _, err := w.Write(b); err != nil {
			slog.Debug("stream client went away", "error", err)
			return
		}
		w.Flush()

		rec, err, ok = next()
		if err != nil {
			slog.Error("email stream aborted", "error", err)
			abortResponse(w)
			return
		}
	}
	_, _ = w.WriteString("]")
}

// abortResponse drops the connection under a response that is already under
// way, so the client sees a transport error rather than a clean end of body.
func abortResponse(w gin.ResponseWriter) {
	var rw http.ResponseWriter = w
	if u, ok := rw.(interface{ Unwrap() http.ResponseWriter }); ok {
		rw = u.Unwrap()
	}
	conn, _, err := http.NewResponseController(rw).Hijack()
	if err != nil {
		slog.Debug("cannot abort response", "error", err)
		return
	}
	_ = conn.Close()
}

// handleLatest serves GET /api/email/latest.
func (s *Server) handleLatest(c *gin.Context) {
	rec, err := s.archive.Latest(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		c.String(http.StatusNotFound, "no emails captured yet")
		return
	}
	if err != nil {
		s.fail(c, err, "failed to load latest email")
		return
	}
	c.Render(http.StatusOK, jsonRender{Data: rec})
}

// handleGet serves GET /api/email/:id.
func (s *Server) handleGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := s.archive.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.String(http.StatusNotFound, "email %d not found", id)
		return
	}
	if err != nil {
		s.fail(c, err, "failed to load email")
		return
	}
	c.Render(http.StatusOK, jsonRender{Data: rec})
}

// handleDelete serves /api/email/delete/:id.
func (s *Server) handleDelete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	n, err := s.archive.Delete(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "failed to delete email")
		return
	}
	if n == 0 {
		c.String(http.StatusNotFound, "email %d not found", id)
		return
	}

	slog.Info("email deleted", "id", id)
	c.Render(http.StatusOK, jsonRender{Data: gin.H{"deleted": n}})
}

// handlePurge serves /api/email/purge/:id.
func (s *Server) handlePurge(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	n, err := s.archive.DeleteUpTo(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "failed to purge emails")
		return
	}
	if n == 0 {
		c.String(http.StatusNotFound, "no emails with id <= %d", id)
		return
	}

	slog.Info("emails purged", "up_to", id, "deleted", n)
	c.Render(http.StatusOK, jsonRender{Data: gin.H{"deleted": n}})
}

// fail answers 500 with a plain-text message and logs the cause.
func (s *Server) fail(c *gin.Context, err error, msg string) {
	slog.Error(msg, "path", c.Request.URL.Path, "error", err)
	c.String(http.StatusInternalServerError, msg)
}

// parseID reads the :id parameter, answering 400 when it is not an integer.
func parseID(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid email id %q", raw)
		return 0, false
	}
	return id, true
}
