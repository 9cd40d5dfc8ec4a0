// Package api exposes the admin HTTP surface ryed serves alongside the
// coordination daemon: thread status/wait/kill over the Orchestrator, and an
// approval-response endpoint for the file-based escalation protocol.
// Follows the teacher's Server-struct-plus-gin.H idiom (see
// codeready-toolchain-tarsy's pkg/api/handlers.go).
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ryehq/rye-core/approval"
	"github.com/ryehq/rye-core/runner"
)

// Server wraps the Orchestrator with an HTTP surface.
type Server struct {
	orch         runner.Orchestrator
	approvalRoot string
	router       *gin.Engine
}

// NewServer builds a Server routed over orch. approvalRoot must match the
// directory the Runner's approval.FileStore was constructed with, so
// responses written here land where the Runner polls for them.
func NewServer(orch runner.Orchestrator, approvalRoot string) *Server {
	s := &Server{orch: orch, approvalRoot: approvalRoot, router: gin.Default()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/threads", s.listActive)
	s.router.GET("/threads/:id", s.getStatus)
	s.router.POST("/threads/:id/kill", s.killThread)
	s.router.POST("/threads/wait", s.waitThreads)
	s.router.POST("/threads/:id/approvals/:reqID/respond", s.respondApproval)
}

// Run starts the HTTP server listening on addr, blocking until it exits.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) listActive(c *gin.Context) {
	records, err := s.orch.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": records})
}

func (s *Server) getStatus(c *gin.Context) {
	rec, err := s.orch.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type killRequest struct {
	GraceSeconds int `json:"grace_seconds"`
}

func (s *Server) killThread(c *gin.Context) {
	var req killRequest
	_ = c.ShouldBindJSON(&req) // absent body is fine; grace defaults to 0

	grace := time.Duration(req.GraceSeconds) * time.Second
	if err := s.orch.KillThread(c.Request.Context(), c.Param("id"), grace); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

type waitRequest struct {
	ThreadIDs     []string `json:"thread_ids" binding:"required"`
	TimeoutSecond int      `json:"timeout_seconds"`
}

func (s *Server) waitThreads(c *gin.Context) {
	var req waitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutSecond) * time.Second
	result, err := s.orch.WaitThreads(c.Request.Context(), req.ThreadIDs, timeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type respondRequest struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

// respondApproval writes an approval.Response for threadID/reqID named in
// the path, via the same FileStore root the Runner polls (ryed wires both
// to s.approvalRoot).
func (s *Server) respondApproval(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := approval.Response{Approved: req.Approved, Message: req.Message}
	if err := approval.WriteResponse(s.approvalRoot, c.Param("id"), c.Param("reqID"), resp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
