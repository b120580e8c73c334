// Package rpc exposes the loop's command channel over HTTP, together with
// health, statistics and Prometheus endpoints.
//
//	POST /rpc              body: plain text command or {"command": "..."}
//	GET  /rpc/:command
//	GET  /health
//	GET  /stats
//	GET  /snapshot         gob estimator snapshot
//	GET  /metrics
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/n0madic/go-online-rls/stream"
)

const maxCommandBytes = 4096

// Controller is the part of the loop the server drives. *stream.Loop
// satisfies it.
type Controller interface {
	Respond(cmd string) []string
	Stats() stream.Stats
	Snapshot(w io.Writer) error
}

// CommandRequest is the JSON form of a command.
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandReply carries the reply lines.
type CommandReply struct {
	Reply []string `json:"reply"`
}

// Server is the HTTP front end of one loop.
type Server struct {
	router    *gin.Engine
	ctrl      Controller
	logger    *zap.Logger
	startTime time.Time
}

// NewServer builds the router. gatherer backs /metrics; requests are counted
// on reg when it is not nil.
func NewServer(ctrl Controller, gatherer prometheus.Gatherer, reg prometheus.Registerer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	if reg != nil {
		router.Use(NewMetrics(reg, logger).Middleware())
	}

	s := &Server{
		router:    router,
		ctrl:      ctrl,
		logger:    logger.With(zap.String("module", "rpc")),
		startTime: time.Now(),
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"state":  s.ctrl.Stats().State,
			"uptime": time.Since(s.startTime).String(),
		})
	})

	s.router.POST("/rpc", s.handleCommandBody)
	s.router.GET("/rpc/:command", func(c *gin.Context) {
		s.respond(c, c.Param("command"))
	})
	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctrl.Stats())
	})
	s.router.GET("/snapshot", s.handleSnapshot)

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleCommandBody(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxCommandBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "command too long"})
		return
	}

	cmd := string(body)
	trimmed := bytes.TrimSpace(body)
	if strings.HasPrefix(c.ContentType(), "application/json") || bytes.HasPrefix(trimmed, []byte("{")) {
		var req CommandRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON command: " + err.Error()})
			return
		}
		cmd = req.Command
	}
	s.respond(c, cmd)
}

func (s *Server) respond(c *gin.Context, cmd string) {
	reply := s.ctrl.Respond(cmd)
	s.logger.Info("command received",
		zap.String("command", strings.TrimSpace(cmd)),
		zap.String("remote", c.ClientIP()))
	c.JSON(http.StatusOK, CommandReply{Reply: reply})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.ctrl.Snapshot(&buf); err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="rrls.gob"`)
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("command server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
