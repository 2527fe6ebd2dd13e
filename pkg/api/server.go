// Package api exposes a download.Manager over HTTP: a JSON control API and a
// websocket stream of download events.
package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/store"
)

const shutdownGrace = 10 * time.Second

type Server struct {
	manager     *download.Manager
	hub         *Hub
	engine      *gin.Engine
	downloadDir string
	logger      zerolog.Logger
}

type AddRequest struct {
	URL   string `json:"url" binding:"required"`
	Dest  string `json:"dest"`
	Start bool   `json:"start"`
}

type DetailResponse struct {
	Download *store.Download `json:"download"`
	Chunks   []*store.Chunk  `json:"chunks"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// a local control surface; any page may subscribe
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer wires the routes. Relative destinations are resolved against
// downloadDir.
func NewServer(manager *download.Manager, hub *Hub, downloadDir string, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		manager:     manager,
		hub:         hub,
		engine:      gin.New(),
		downloadDir: downloadDir,
		logger:      logger,
	}
	s.engine.Use(gin.Recovery(), requestID(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/events", s.handleEvents)

	api := s.engine.Group("/api")
	{
		downloads := api.Group("/downloads")
		downloads.GET("", s.handleList)
		downloads.POST("", s.handleAdd)
		downloads.DELETE("", s.handleClear)
		downloads.GET("/:id", s.handleGet)
		downloads.DELETE("/:id", s.handleRemove)
		downloads.POST("/:id/start", s.handleAction(s.start))
		downloads.POST("/:id/pause", s.handleAction(s.manager.Pause))
		downloads.POST("/:id/resume", s.handleAction(s.resume))
		downloads.POST("/:id/cancel", s.handleAction(s.manager.Cancel))
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts the listener down.
// The hub runs for the same lifetime.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Serving API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleList(c *gin.Context) {
	downloads, err := s.manager.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if downloads == nil {
		downloads = []*store.Download{}
	}
	c.JSON(http.StatusOK, downloads)
}

func (s *Server) handleAdd(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	dest := req.Dest
	if dest == "" {
		dest = download.FilenameFromURL(req.URL)
	}
	if !filepath.IsAbs(dest) && s.downloadDir != "" {
		dest = filepath.Join(s.downloadDir, dest)
	}

	id, err := s.manager.Add(ctx, &store.Download{URL: req.URL, DownloadPath: dest}, s.hub)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Start {
		if err := s.manager.Start(context.WithoutCancel(ctx), id); err != nil {
			s.fail(c, err)
			return
		}
	}
	d, err := s.manager.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleClear(c *gin.Context) {
	if err := s.manager.RemoveAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := s.downloadID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	d, err := s.manager.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	chunks, err := s.manager.Chunks(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if chunks == nil {
		chunks = []*store.Chunk{}
	}
	c.JSON(http.StatusOK, DetailResponse{Download: d, Chunks: chunks})
}

func (s *Server) handleRemove(c *gin.Context) {
	id, ok := s.downloadID(c)
	if !ok {
		return
	}
	deleted, err := s.manager.Remove(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		s.fail(c, download.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// start and resume outlive the request that triggered them; a client hanging
// up mid-probe must not fail the download.
func (s *Server) start(ctx context.Context, id int64) error {
	s.manager.RegisterCallback(id, s.hub)
	return s.manager.Start(context.WithoutCancel(ctx), id)
}

func (s *Server) resume(ctx context.Context, id int64) error {
	s.manager.RegisterCallback(id, s.hub)
	return s.manager.Resume(context.WithoutCancel(ctx), id)
}

// handleAction runs a lifecycle operation and answers with the updated record.
func (s *Server) handleAction(action func(context.Context, int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.downloadID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if err := action(ctx, id); err != nil {
			s.fail(c, err)
			return
		}
		d, err := s.manager.Get(ctx, id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	s.hub.serve(conn)
}

func (s *Server) downloadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid download id"})
		return 0, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, download.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, download.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, download.ErrInsufficientSpace):
		status = http.StatusInsufficientStorage
	case errors.Is(err, download.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("requestId", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Debug()
		switch {
		case status >= 500:
			event = s.logger.Error()
		case status >= 400:
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("latency", time.Since(start).String()).
			Str("request_id", c.GetString("requestId")).
			Msg("Request")
	}
}
