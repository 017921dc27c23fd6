// Package server exposes the download engine over HTTP: a JSON control
// surface plus a websocket event channel.
package server

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/engine/scheduler"
	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/manifest"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
)

// Server wires the engine collaborators behind the HTTP surface.
type Server struct {
	store   *task.Store
	sched   *scheduler.Scheduler
	hub     *remote.Hub
	bus     *progress.Bus
	started time.Time
}

// New builds a server over the engine collaborators.
func New(store *task.Store, sched *scheduler.Scheduler, hub *remote.Hub, bus *progress.Bus) *Server {
	return &Server{
		store:   store,
		sched:   sched,
		hub:     hub,
		bus:     bus,
		started: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/downloads", s.handleCreate)
	api.GET("/downloads", s.handleList)
	api.GET("/downloads/:id", s.handleGet)
	api.POST("/downloads/:id/pause", s.handlePause)
	api.POST("/downloads/:id/resume", s.handleResume)
	api.POST("/downloads/:id/cancel", s.handleCancel)
	api.POST("/downloads/:id/retry", s.handleRetry)
	api.DELETE("/downloads/:id", s.handleDelete)
	api.GET("/images/size", s.handleImageSize)

	router.GET("/ws", s.handleWebSocket)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

type createRequest struct {
	ImageName  string `json:"imageName"`
	Tag        string `json:"tag"`
	Source     string `json:"source"`
	Platform   string `json:"platform"`
	TargetPath string `json:"targetPath"`
}

func (s *Server) handleCreate(c *gin.Context) {
	req := createRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errdefs.Newf(errdefs.ErrInvalidArgument, "invalid request body: %v", err))
		return
	}
	coord, err := name.NewCoordinate(req.Source, req.ImageName, req.Tag)
	if err != nil {
		respondError(c, err)
		return
	}
	// fail unknown sources and bad platforms at creation time
	if _, err := s.hub.Registry(coord.Source); err != nil {
		respondError(c, err)
		return
	}
	if _, err := manifest.ParsePlatform(req.Platform); err != nil {
		respondError(c, err)
		return
	}

	t := task.New(s.store.Root(), coord, req.Platform)
	if req.TargetPath != "" {
		t.TargetDir = req.TargetPath
	}
	if err := s.store.Create(t); err != nil {
		respondError(c, err)
		return
	}
	snap, err := s.sched.Start(t.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, snap)
}

func (s *Server) handleList(c *gin.Context) {
	respond(c, s.store.List())
}

func (s *Server) handleGet(c *gin.Context) {
	t, err := s.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, t)
}

func (s *Server) handlePause(c *gin.Context) {
	s.verb(c, s.sched.Pause)
}

func (s *Server) handleResume(c *gin.Context) {
	s.verb(c, s.sched.Resume)
}

func (s *Server) handleCancel(c *gin.Context) {
	s.verb(c, s.sched.Cancel)
}

func (s *Server) handleRetry(c *gin.Context) {
	s.verb(c, s.sched.Retry)
}

func (s *Server) verb(c *gin.Context, apply func(string) (*task.Task, error)) {
	t, err := apply(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, t)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.sched.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, nil)
}

func (s *Server) handleImageSize(c *gin.Context) {
	coord, err := name.NewCoordinate(c.Query("source"), c.Query("name"), c.Query("tag"))
	if err != nil {
		respondError(c, err)
		return
	}
	platform, err := manifest.ParsePlatform(c.Query("platform"))
	if err != nil {
		respondError(c, err)
		return
	}
	reg, err := s.hub.Registry(coord.Source)
	if err != nil {
		respondError(c, err)
		return
	}
	_, img, err := reg.ResolveImage(c.Request.Context(), coord.Repository, coord.Reference, platform)
	if err != nil {
		respondError(c, err)
		return
	}
	size := img.TotalSize()
	respond(c, gin.H{
		"sizeBytes": size,
		"size":      humanize.Bytes(uint64(size)),
	})
}
