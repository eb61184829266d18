// Package api handles HTTP and WebSocket API endpoints
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/printlink/internal/command"
	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/internal/printer"
	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// Server is the API server
type Server struct {
	router   *gin.Engine
	manager  *printer.Manager
	queue    *printer.PrintQueue
	executor *command.Executor
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(manager *printer.Manager, queue *printer.PrintQueue, executor *command.Executor, hub *Hub, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	log = logging.For(log, logging.ComponentAPI)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log), corsMiddleware())

	server := &Server{
		router:   router,
		manager:  manager,
		queue:    queue,
		executor: executor,
		hub:      hub,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/status", s.handleStatus)

	s.router.GET("/devices", s.handleGetDevices)
	s.router.PUT("/devices/:id/name", s.handleSetDeviceName)

	printerGroup := s.router.Group("/printer")
	printerGroup.POST("/search", s.handleSearch)
	printerGroup.POST("/reconnect", s.handleReconnect)
	printerGroup.POST("/reset", s.handleReset)
	printerGroup.POST("/disconnect-if-idle", s.handleDisconnectIfIdle)

	s.router.GET("/queue", s.handleGetQueue)
	s.router.PUT("/queue", s.handleSetQueue)

	s.router.POST("/print", s.handlePrint)
	s.router.POST("/test", s.handleTestPage)
	s.router.GET("/jobs", s.handleGetJobs)
	s.router.GET("/jobs/:id", s.handleGetJob)

	// Command endpoint
	s.router.POST("/command", s.handleCommand)

	// WebSocket
	s.router.GET("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  printer.ErrorKind(err),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Snapshot())
}

// handleGetDevices returns the printers visible right now
func (s *Server) handleGetDevices(c *gin.Context) {
	devices, err := s.executor.Devices(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// handleSetDeviceName sets a custom name for a printer
func (s *Server) handleSetDeviceName(c *gin.Context) {
	printerID := c.Param("id")

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ok, err := s.executor.Rename(printerID, req.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSearch(c *gin.Context) {
	if err := s.manager.Search(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": s.manager.Session()})
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.manager.Reconnect(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": s.manager.Session()})
}

func (s *Server) handleReset(c *gin.Context) {
	s.manager.ForceReset(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDisconnectIfIdle(c *gin.Context) {
	ok, err := s.manager.DisconnectIfIdle(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "disconnected": ok})
}

func (s *Server) handleGetQueue(c *gin.Context) {
	resp := gin.H{"size": s.manager.Queue().Size()}
	if s.queue != nil {
		resp["pending"] = s.queue.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSetQueue(c *gin.Context) {
	var req struct {
		Size *int `json:"size" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size is required"})
		return
	}
	if *req.Size < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must not be negative"})
		return
	}
	s.manager.UpdateQueueSize(*req.Size)
	c.JSON(http.StatusOK, gin.H{"size": s.manager.Queue().Size()})
}

// receiptFromBody accepts either a receipt payload or {"text": "..."}.
func receiptFromBody(data []byte) (*receiptformat.Receipt, error) {
	var text struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &text); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if text.Text != "" {
		return receiptformat.FromText(text.Text), nil
	}
	return receiptformat.Parse(data)
}

// handlePrint handles a print request
func (s *Server) handlePrint(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "print queue is not running"})
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := receiptFromBody(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid receipt: %v", err)})
		return
	}

	jobID := s.queue.Enqueue(receipt)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job_id":  jobID,
	})
}

func (s *Server) handleTestPage(c *gin.Context) {
	if err := s.manager.PrintTestPage(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleGetJobs returns all print jobs
func (s *Server) handleGetJobs(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []*printer.PrintJob{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.queue.GetAllJobs()})
}

// handleGetJob returns a specific print job
func (s *Server) handleGetJob(c *gin.Context) {
	var job *printer.PrintJob
	if s.queue != nil {
		job = s.queue.GetJob(c.Param("id"))
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCommand handles command execution requests
func (s *Server) handleCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	result := s.executor.Execute(c.Request.Context(), req.Command)

	if result.Success {
		response := gin.H{
			"success": true,
		}
		if result.Message != "" {
			response["message"] = result.Message
		}
		for k, v := range result.Data {
			response[k] = v
		}
		c.JSON(http.StatusOK, response)
		return
	}

	status := http.StatusBadRequest
	if result.Err != nil {
		status = statusFor(result.Err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   result.Error,
		"kind":    result.Kind,
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API shutdown failed: %w", err)
	}
	return nil
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
