package api

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
)

// liveBuffer is how many pending rows a viewer may hold before it is
// disconnected.
const liveBuffer = 16

// liveWriteTimeout bounds each write to a live viewer.
const liveWriteTimeout = 10 * time.Second

// liveMarker follows the initial listing; everything after it is live.
const liveMarker = "<!-- live -->"

var liveTemplates = template.Must(template.New("head").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>smtp-sink-lite</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border-bottom: 1px solid #ddd; padding: 4px 8px; text-align: left; }
</style>
</head>
<body>
<h1>Captured mail</h1>
<table>
<thead><tr><th>#</th><th>Received</th><th>From</th><th>To</th><th>Subject</th></tr></thead>
<tbody>
`))

func init() {
	template.Must(liveTemplates.New("row").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(`<tr><td><a href="/api/email/{{.ID}}">{{.ID}}</a></td><td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td><td>{{join .From ", "}}</td><td>{{join .To ", "}}</td><td>{{.Subject}}</td></tr>
`))
}

// handleLive serves GET /: the current archive as an HTML table, followed by
// one row per new message until the client goes away.
func (s *Server) handleLive(c *gin.Context) {
	ctx := c.Request.Context()

	// Subscribe before listing so nothing falls between the two; rows
	// already listed are skipped by id. The handler never blocks the
	// publisher: a viewer that falls liveBuffer rows behind is cut off.
	updates := make(chan *email.Record, liveBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := s.bus.Subscribe(func(rec *email.Record) {
		select {
		case updates <- rec:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	records, err := s.archive.List(ctx)
	if err != nil {
		s.fail(c, err, "failed to list emails")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	w := c.Writer

	// A client that stops reading fails its next write instead of holding
	// the handler forever.
	rc := http.NewResponseController(w)
	extend := func() { _ = rc.SetWriteDeadline(time.Now().Add(liveWriteTimeout)) }
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()
	extend()

	if err := liveTemplates.ExecuteTemplate(w, "head", nil); err != nil {
		slog.Debug("live view write failed", "error", err)
		return
	}
	var lastID int64
	for _, rec := range records {
		if err := renderRow(w, rec); err != nil {
			return
		}
		lastID = rec.ID
	}
	_, _ = w.WriteString(liveMarker + "\n")
	w.Flush()

	metrics.LiveViewers.Inc()
	defer metrics.LiveViewers.Dec()
	slog.Debug("live viewer connected", "remote", c.ClientIP(), "listed", len(records))

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("live viewer disconnected", "remote", c.ClientIP())
			return
		case <-overflow:
			slog.Warn("live viewer fell behind, closing", "remote", c.ClientIP(), "buffer", liveBuffer)
			return
		case rec := <-updates:
			if rec.ID <= lastID {
				continue
			}
			extend()
			if err := renderRow(w, rec); err != nil {
				return
			}
			lastID = rec.ID
			w.Flush()
		case <-keepAlive.C:
			extend()
			if _, err := w.WriteString("\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

func renderRow(w gin.ResponseWriter, rec *email.Record) error {
	if err := liveTemplates.ExecuteTemplate(w, "row", rec); err != nil {
		slog.Debug("live view write failed", "id", rec.ID, "error", err)
		return err
	}
	return nil
}
