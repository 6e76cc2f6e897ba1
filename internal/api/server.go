// Package api serves the HTTP query and control surface of the sink: JSON
// listing, streaming, retrieval, delete and purge of archived messages, and
// a live HTML view fed by the event bus.
package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/events"
)

// shutdownTimeout bounds how long in-flight requests may run after the
// server context is cancelled.
const shutdownTimeout = 10 * time.Second

// Archive is the read and delete side of the message store.
type Archive interface {
	Get(ctx context.Context, id int64) (*email.Record, error)
	Latest(ctx context.Context) (*email.Record, error)
	List(ctx context.Context) ([]*email.Record, error)
	Stream(ctx context.Context) iter.Seq2[*email.Record, error]
	Delete(ctx context.Context, id int64) (int64, error)
	DeleteUpTo(ctx context.Context, id int64) (int64, error)
}

var setMode sync.Once

// Subscriber registers for new-message events.
type Subscriber interface {
	Subscribe(h events.Handler) (unsubscribe func())
}

// Server is the HTTP front end.
type Server struct {
	archive Archive
	bus     Subscriber
	engine  *gin.Engine

	ready chan struct{}
	addr  string
}

// New builds the server and its routes.
func New(archive Archive, bus Subscriber) *Server {
	setMode.Do(func() { gin.SetMode(gin.ReleaseMode) })

	s := &Server{
		archive: archive,
		bus:     bus,
		ready:   make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/", s.handleLive)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/email")
	{
		api.GET("", s.handleList)
		api.GET("/stream", s.handleStream)
		api.GET("/latest", s.handleLatest)
		api.GET("/:id", s.handleGet)
		api.GET("/delete/:id", s.handleDelete)
		api.DELETE("/delete/:id", s.handleDelete)
		api.GET("/purge/:id", s.handlePurge)
		api.DELETE("/purge/:id", s.handlePurge)
	}

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves HTTP on addr until ctx is cancelled. Request
// contexts derive from ctx, so long-lived live views end on shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("HTTP server listening", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound. Tests use it with Addr to
// find a server started on port 0.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address once Ready is closed. Only tests need it.
func (s *Server) Addr() string {
	return s.addr
}
